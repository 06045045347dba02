package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/troikalabs/chatflow/internal/backend"
	"github.com/troikalabs/chatflow/internal/flow"
	"github.com/troikalabs/chatflow/internal/handoff"
	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/store"
)

type stubBackend struct {
	streamReply string
	handoffs    int
	ttsAudio    []byte
}

func (b *stubBackend) StreamChat(ctx context.Context, req backend.StreamRequest, onDelta func(string)) (string, error) {
	return b.streamReply, nil
}

func (b *stubBackend) SendOTP(ctx context.Context, chatbotID, phone, channel string) error {
	return nil
}

func (b *stubBackend) VerifyOTP(ctx context.Context, chatbotID, phone, code, channel string) (*backend.AuthToken, error) {
	return nil, nil
}

func (b *stubBackend) ValidateToken(ctx context.Context, token string) error {
	return nil
}

func (b *stubBackend) CaptureLead(ctx context.Context, chatbotID string, lead models.LeadData) error {
	return nil
}

func (b *stubBackend) SendProposal(ctx context.Context, chatbotID, phone, templateID string) error {
	return nil
}

func (b *stubBackend) RequestHandoff(ctx context.Context, chatbotID, sessionID, phone string) error {
	b.handoffs++
	return nil
}

func (b *stubBackend) HandoffMessages(ctx context.Context, sessionID, sinceID string) ([]backend.HandoffMessage, error) {
	return nil, nil
}

func (b *stubBackend) GenerateTTS(ctx context.Context, chatbotID, text string) ([]byte, error) {
	return b.ttsAudio, nil
}

type stubConfigs struct{}

func (stubConfigs) FetchConfig(ctx context.Context, chatbotID string) (*models.ChatbotConfig, error) {
	cfg := &models.ChatbotConfig{
		ChatbotID:      chatbotID,
		HandoffEnabled: true,
		HandoffKeywords: []string{
			"human", "agent",
		},
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (stubConfigs) FetchAuthConfig(ctx context.Context, chatbotID string) (*models.AuthConfig, error) {
	return &models.AuthConfig{}, nil
}

func (stubConfigs) FetchEmailTemplates(ctx context.Context, chatbotID string) ([]models.EmailTemplate, error) {
	return nil, nil
}

type recordingTranscripts struct {
	sent int
}

func (r *recordingTranscripts) SendTranscript(ctx context.Context, chatbotID, sessionID string, msgs []models.ChatMessage) error {
	r.sent++
	return nil
}

type testServer struct {
	server      *Server
	client      *stubBackend
	st          store.Store
	poller      *handoff.Poller
	transcripts *recordingTranscripts
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	client := &stubBackend{streamReply: "Hello!"}
	st := store.NewInMemoryStore()
	states := flow.NewStoreBasedStateManager(st)
	timer := flow.NewSimpleTimer()
	t.Cleanup(timer.Stop)
	ctrl := flow.NewController(st, states, client, stubConfigs{}, timer, nil)
	poller := handoff.NewPoller(client, st)
	t.Cleanup(poller.StopAll)
	transcripts := &recordingTranscripts{}
	server := NewServer(ctrl, st, poller, transcripts, WithAddr(":0"), WithSpeech(client))
	return &testServer{server: server, client: client, st: st, poller: poller, transcripts: transcripts}
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp := decodeResponse(t, rr); resp.Status != string(models.APIStatusOK) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatMessageHandler(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	rr := postJSON(t, handler, "/chat/message", models.ChatRequest{
		ChatbotID: "bot-1", SessionID: "sess-1", Message: "hi there",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Status != string(models.APIStatusOK) {
		t.Fatalf("unexpected status: %+v", resp)
	}

	raw, _ := json.Marshal(resp.Result)
	var result ChatResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Messages) != 1 || result.Messages[0].Text != "Hello!" {
		t.Fatalf("unexpected messages: %+v", result.Messages)
	}

	// History now holds both sides.
	history, err := ts.st.GetTabHistory(models.HistoryKey{ChatbotID: "bot-1", SessionID: "sess-1", Tab: models.DefaultTab})
	if err != nil || len(history) != 2 {
		t.Fatalf("unexpected history: (%+v, %v)", history, err)
	}
}

func TestChatMessageHandlerValidation(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	rr := postJSON(t, handler, "/chat/message", models.ChatRequest{SessionID: "sess-1", Message: "hi"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing chatbot id, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/chat/message", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/chat/message", strings.NewReader("{not json"))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
}

func TestChatMessageHandlerSSE(t *testing.T) {
	ts := newTestServer(t)
	raw, _ := json.Marshal(models.ChatRequest{ChatbotID: "bot-1", SessionID: "sess-1", Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/chat/message", bytes.NewReader(raw))
	req.Header.Set("Accept", "text/event-stream")
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: message") || !strings.Contains(body, "event: complete") {
		t.Fatalf("unexpected SSE body: %q", body)
	}
}

func TestChatMessageHandlerStartsHandoffPolling(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	rr := postJSON(t, handler, "/chat/message", models.ChatRequest{
		ChatbotID: "bot-1", SessionID: "sess-1", Message: "I need to talk to a human",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = postJSON(t, handler, "/chat/message", models.ChatRequest{
		ChatbotID: "bot-1", SessionID: "sess-1", Message: "yes",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ts.client.handoffs != 1 {
		t.Fatalf("expected one handoff request, got %d", ts.client.handoffs)
	}
	if !ts.poller.Active("bot-1", "sess-1") {
		t.Fatal("expected handoff polling to start")
	}
}

func TestChatHistoryHandler(t *testing.T) {
	ts := newTestServer(t)
	key := models.HistoryKey{ChatbotID: "bot-1", SessionID: "sess-1", Tab: "support"}
	if err := ts.st.AppendMessage(key, models.NewBotMessage("welcome")); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/chat/history?chatbot_id=bot-1&session_id=sess-1&tab=support", nil)
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	raw, _ := json.Marshal(resp.Result)
	var msgs []models.ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "welcome" {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	// Missing identifiers are rejected.
	req = httptest.NewRequest(http.MethodGet, "/chat/history?session_id=sess-1", nil)
	rr = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestNewChatHandlerResetsPreviousSession(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()
	key := models.HistoryKey{ChatbotID: "bot-1", SessionID: "old", Tab: models.DefaultTab}
	if err := ts.st.AppendMessage(key, models.NewUserMessage("hello")); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	if err := ts.st.SaveCounters("bot-1", "old", models.SessionCounters{UserMessages: 4}); err != nil {
		t.Fatalf("seed counters: %v", err)
	}

	rr := postJSON(t, handler, "/chat/new", models.NewChatRequest{ChatbotID: "bot-1", PreviousSessionID: "old"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["session_id"] == "" {
		t.Fatalf("expected a session_id, got %+v", resp.Result)
	}

	history, err := ts.st.GetTabHistory(key)
	if err != nil || len(history) != 0 {
		t.Fatalf("old history must be cleared, got (%+v, %v)", history, err)
	}
	counters, err := ts.st.GetCounters("bot-1", "old")
	if err != nil || counters.UserMessages != 0 {
		t.Fatalf("old counters must be reset, got (%+v, %v)", counters, err)
	}
}

func TestTranscriptHandlerDeduplicates(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()
	key := models.HistoryKey{ChatbotID: "bot-1", SessionID: "sess-1", Tab: models.DefaultTab}
	if err := ts.st.AppendMessage(key, models.NewUserMessage("hello")); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	req := models.TranscriptRequest{ChatbotID: "bot-1", SessionID: "sess-1"}
	rr := postJSON(t, handler, "/chat/transcript", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rr.Code, rr.Body.String())
	}
	if ts.transcripts.sent != 1 {
		t.Fatalf("expected one transcript send, got %d", ts.transcripts.sent)
	}

	rr = postJSON(t, handler, "/chat/transcript", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ts.transcripts.sent != 1 {
		t.Fatalf("second request must not resend, got %d sends", ts.transcripts.sent)
	}
}

func TestHandoffMessagesHandler(t *testing.T) {
	ts := newTestServer(t)
	key := models.HistoryKey{ChatbotID: "bot-1", SessionID: "sess-1", Tab: models.DefaultTab}
	if err := ts.st.AppendMessage(key, models.NewUserMessage("hello")); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	agentMsg := models.ChatMessage{Sender: models.SenderAgent, Text: "agent here", Timestamp: time.Now()}
	if err := ts.st.AppendMessage(key, agentMsg); err != nil {
		t.Fatalf("seed agent message: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/handoff/messages?chatbot_id=bot-1&session_id=sess-1", nil)
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	raw, _ := json.Marshal(resp.Result)
	var msgs []models.ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != models.SenderAgent {
		t.Fatalf("expected only the agent message, got %+v", msgs)
	}
}

func TestTTSHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.client.ttsAudio = []byte("mp3-bytes")
	handler := ts.server.Handler()

	rr := postJSON(t, handler, "/chat/tts", models.TTSRequest{ChatbotID: "bot-1", Text: "Hello!"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("expected audio content type, got %q", ct)
	}
	if rr.Body.String() != "mp3-bytes" {
		t.Fatalf("unexpected audio body: %q", rr.Body.String())
	}

	rr = postJSON(t, handler, "/chat/tts", models.TTSRequest{Text: "Hello!"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing chatbot id, got %d", rr.Code)
	}
}
