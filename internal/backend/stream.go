package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// StreamTimeout bounds a full streaming chat completion.
const StreamTimeout = 5 * time.Minute

// Stream event types emitted by the intelligent-chat endpoint.
const (
	eventContent  = "content"
	eventError    = "error"
	eventComplete = "complete"
	eventClose    = "close"
)

// StreamRequest is the body posted to the streaming chat endpoint.
type StreamRequest struct {
	ChatbotID string `json:"chatbot_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Tab       string `json:"tab,omitempty"`
	Token     string `json:"-"`
}

// sseEvent is a parsed server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// streamErrorData is the payload of an error event.
type streamErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// contentData is the payload of a content delta event. Plain-string data
// lines are also accepted.
type contentData struct {
	Content string `json:"content"`
}

// StreamChat posts a message to the streaming chat endpoint and assembles the
// reply from content deltas. onDelta, when non-nil, is invoked with each delta
// as it arrives. The accumulated text so far is returned even on error so
// callers can persist a partial reply when the stream is cancelled or fails
// midway.
func (c *Client) StreamChat(ctx context.Context, req StreamRequest, onDelta func(delta string)) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/troika/intelligent-chat/stream", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	// Streaming replies outlive the default client timeout.
	streamClient := &http.Client{Timeout: StreamTimeout, Transport: c.http.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		slog.Error("Client.StreamChat request failed", "error", err, "chatbotID", req.ChatbotID)
		return "", fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if bytes.Contains(raw, []byte(codeCreditsExhausted)) || bytes.Contains(raw, []byte(codeInsufficientCredits)) {
			return "", ErrCreditsExhausted
		}
		slog.Error("Client.StreamChat unexpected status", "status", resp.StatusCode, "chatbotID", req.ChatbotID)
		return "", fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	var full strings.Builder
	err = parseSSE(resp.Body, func(ev sseEvent) error {
		switch ev.Event {
		case eventError:
			var errData streamErrorData
			if jsonErr := json.Unmarshal([]byte(ev.Data), &errData); jsonErr != nil {
				errData.Message = ev.Data
			}
			if errData.Code == codeCreditsExhausted || errData.Code == codeInsufficientCredits {
				return ErrCreditsExhausted
			}
			return fmt.Errorf("stream error: %s", errData.Message)
		case eventComplete, eventClose:
			return io.EOF
		default:
			// Content deltas arrive either as JSON {"content": "..."} or as
			// plain text data lines.
			delta := ev.Data
			var cd contentData
			if jsonErr := json.Unmarshal([]byte(ev.Data), &cd); jsonErr == nil && cd.Content != "" {
				delta = cd.Content
			}
			if delta == "" {
				return nil
			}
			full.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
			return nil
		}
	})
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		slog.Error("Client.StreamChat failed", "error", err, "chatbotID", req.ChatbotID, "partial", full.Len())
		return full.String(), err
	}
	slog.Debug("Client.StreamChat completed", "chatbotID", req.ChatbotID, "length", full.Len())
	return full.String(), nil
}

// parseSSE reads event:/data: line pairs and calls handler once per event.
// A handler error stops the parse and is returned.
func parseSSE(reader io.Reader, handler func(sseEvent) error) error {
	scanner := bufio.NewScanner(reader)
	var event sseEvent

	flush := func() error {
		if event.Event == "" && event.Data == "" {
			return nil
		}
		err := handler(event)
		event = sseEvent{}
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
