package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/troikalabs/chatflow/internal/flow"
	"github.com/troikalabs/chatflow/internal/models"
)

// ChatResult is the result payload of POST /chat/message.
type ChatResult struct {
	Messages         []models.ChatMessage `json:"messages"`
	Suppressed       bool                 `json:"suppressed,omitempty"`
	CreditsExhausted bool                 `json:"credits_exhausted,omitempty"`
	Toast            string               `json:"toast,omitempty"`
	HandoffStarted   bool                 `json:"handoff_started,omitempty"`
}

// chatMessageHandler handles POST /chat/message. With Accept:
// text/event-stream the bot messages are written as SSE events instead of one
// JSON body.
func (s *Server) chatMessageHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.chatMessageHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		slog.Warn("Server.chatMessageHandler: method not allowed", "method", r.Method)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatMessageHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	session := flow.Session{ChatbotID: req.ChatbotID, SessionID: req.SessionID, Tab: req.Tab}
	resp, err := s.ctrl.HandleMessage(r.Context(), session, req.Message)
	if err != nil {
		slog.Error("Server.chatMessageHandler: handle failed", "error", err, "sessionID", req.SessionID)
		if status := statusFromError(err); status == http.StatusBadRequest {
			writeJSONResponse(w, status, models.Error(err.Error()))
		} else {
			writeJSONResponse(w, status, models.Error("Failed to process message"))
		}
		return
	}

	if resp.HandoffStarted && s.poller != nil {
		s.poller.Start(req.ChatbotID, req.SessionID, req.Tab)
	}

	result := ChatResult{
		Messages:         resp.Messages,
		Suppressed:       resp.Suppressed,
		CreditsExhausted: resp.CreditsExhausted,
		Toast:            resp.Toast,
		HandoffStarted:   resp.HandoffStarted,
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.writeSSE(w, result)
		return
	}
	slog.Info("Server.chatMessageHandler: message handled", "sessionID", req.SessionID, "messages", len(result.Messages), "suppressed", result.Suppressed)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// writeSSE renders the chat result as server-sent events: one "message" event
// per bot message, then a terminal "complete" event carrying the flags.
func (s *Server) writeSSE(w http.ResponseWriter, result ChatResult) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("Server.writeSSE: response writer does not support flushing")
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, msg := range result.Messages {
		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("Server.writeSSE: marshal failed", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		flusher.Flush()
	}

	final, err := json.Marshal(ChatResult{
		Suppressed:       result.Suppressed,
		CreditsExhausted: result.CreditsExhausted,
		Toast:            result.Toast,
		HandoffStarted:   result.HandoffStarted,
	})
	if err != nil {
		slog.Error("Server.writeSSE: marshal final event failed", "error", err)
		return
	}
	fmt.Fprintf(w, "event: complete\ndata: %s\n\n", final)
	flusher.Flush()
}

// chatHistoryHandler handles GET /chat/history.
func (s *Server) chatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.chatHistoryHandler: processing request", "method", r.Method)
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	key := models.HistoryKey{
		ChatbotID: r.URL.Query().Get("chatbot_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Tab:       r.URL.Query().Get("tab"),
	}
	if key.Tab == "" {
		key.Tab = models.DefaultTab
	}
	if err := key.Validate(); err != nil {
		slog.Warn("Server.chatHistoryHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	msgs, err := s.st.GetTabHistory(key)
	if err != nil {
		slog.Error("Server.chatHistoryHandler: fetch failed", "error", err, "sessionID", key.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch history"))
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// newChatHandler handles POST /chat/new: issues a fresh session ID and, when
// a previous session is named, clears its histories, counters, and flow
// state. Verified credentials survive a new chat.
func (s *Server) newChatHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.newChatHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req models.NewChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.newChatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if req.PreviousSessionID != "" {
		if err := s.resetSession(req.ChatbotID, req.PreviousSessionID); err != nil {
			slog.Error("Server.newChatHandler: reset failed", "error", err, "sessionID", req.PreviousSessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset previous session"))
			return
		}
	}

	sessionID := uuid.NewString()
	slog.Info("Server.newChatHandler: new session issued", "chatbotID", req.ChatbotID, "sessionID", sessionID)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"session_id": sessionID}))
}

// resetSession clears everything conversation-scoped for a session.
func (s *Server) resetSession(chatbotID, sessionID string) error {
	if s.poller != nil {
		s.poller.Stop(chatbotID, sessionID)
	}
	if err := s.st.ClearSessionHistory(chatbotID, sessionID); err != nil {
		return err
	}
	if err := s.st.SaveCounters(chatbotID, sessionID, models.SessionCounters{}); err != nil {
		return err
	}
	participantID := chatbotID + ":" + sessionID
	for _, flowType := range []models.FlowType{models.FlowTypeAuth, models.FlowTypeLead, models.FlowTypeIntent} {
		if err := s.st.DeleteFlowState(participantID, flowType); err != nil {
			return err
		}
	}
	return nil
}

// transcriptHandler handles POST /chat/transcript. Delivery is deduplicated
// per session: a second request is a no-op.
func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.transcriptHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if s.transcripts == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Transcript delivery not configured"))
		return
	}

	var req models.TranscriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	sent, err := s.st.TranscriptSent(req.ChatbotID, req.SessionID)
	if err != nil {
		slog.Error("Server.transcriptHandler: dedup check failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check transcript state"))
		return
	}
	if sent {
		slog.Debug("Server.transcriptHandler: already sent", "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Transcript already sent", nil))
		return
	}

	msgs, err := s.st.GetTabHistory(models.HistoryKey{ChatbotID: req.ChatbotID, SessionID: req.SessionID, Tab: req.Tab})
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch history"))
		return
	}
	if len(msgs) == 0 {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Nothing to send", nil))
		return
	}

	if err := s.transcripts.SendTranscript(r.Context(), req.ChatbotID, req.SessionID, msgs); err != nil {
		slog.Error("Server.transcriptHandler: send failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to send transcript"))
		return
	}
	if err := s.st.MarkTranscriptSent(req.ChatbotID, req.SessionID); err != nil {
		slog.Error("Server.transcriptHandler: mark failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Transcript sent but not recorded"))
		return
	}
	slog.Info("Server.transcriptHandler: transcript sent", "sessionID", req.SessionID, "messages", len(msgs))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Transcript sent", nil))
}

// ttsHandler handles POST /chat/tts: synthesizes speech for a bot reply and
// streams the raw audio back.
func (s *Server) ttsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.ttsHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if s.speech == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Speech synthesis not configured"))
		return
	}

	var req models.TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	audio, err := s.speech.GenerateTTS(r.Context(), req.ChatbotID, req.Text)
	if err != nil {
		slog.Error("Server.ttsHandler: synthesis failed", "error", err, "chatbotID", req.ChatbotID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to synthesize speech"))
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		slog.Error("Server.ttsHandler: write failed", "error", err)
	}
}

// handoffMessagesHandler handles GET /handoff/messages: agent replies already
// appended to the tab history by the poller, optionally newer than a
// millisecond timestamp.
func (s *Server) handoffMessagesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.handoffMessagesHandler: processing request", "method", r.Method)
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	key := models.HistoryKey{
		ChatbotID: r.URL.Query().Get("chatbot_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Tab:       r.URL.Query().Get("tab"),
	}
	if key.Tab == "" {
		key.Tab = models.DefaultTab
	}
	if err := key.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var sinceMilli int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid since parameter"))
			return
		}
		sinceMilli = parsed
	}

	msgs, err := s.st.GetTabHistory(key)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch history"))
		return
	}

	agent := []models.ChatMessage{}
	for _, msg := range msgs {
		if msg.Sender != models.SenderAgent {
			continue
		}
		if sinceMilli > 0 && msg.Timestamp.UnixMilli() <= sinceMilli {
			continue
		}
		agent = append(agent, msg)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(agent))
}

// statusFromError maps validation sentinels to 400, everything else to 500.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyChatbotID),
		errors.Is(err, models.ErrEmptySessionID),
		errors.Is(err, models.ErrEmptyTab),
		errors.Is(err, models.ErrEmptyMessageText),
		errors.Is(err, models.ErrMessageTextTooLong),
		errors.Is(err, models.ErrTabTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
