package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/troikalabs/chatflow/internal/backend"
	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/store"
)

type proposalCall struct {
	ChatbotID  string
	Phone      string
	TemplateID string
}

type handoffCall struct {
	ChatbotID string
	SessionID string
	Phone     string
}

// mockBackend records calls and returns canned responses.
type mockBackend struct {
	streamReply string
	streamErr   error
	streamed    []backend.StreamRequest

	sendOTPErr error
	otpSent    []string

	verifyToken *backend.AuthToken
	verifyErr   error

	validateErr   error
	validateCalls int

	captureErr error
	leads      []models.LeadData

	proposalErr error
	proposals   []proposalCall

	handoffErr error
	handoffs   []handoffCall
}

func (m *mockBackend) StreamChat(ctx context.Context, req backend.StreamRequest, onDelta func(string)) (string, error) {
	m.streamed = append(m.streamed, req)
	if m.streamErr != nil {
		return "", m.streamErr
	}
	if onDelta != nil {
		onDelta(m.streamReply)
	}
	return m.streamReply, nil
}

func (m *mockBackend) SendOTP(ctx context.Context, chatbotID, phone, channel string) error {
	if m.sendOTPErr != nil {
		return m.sendOTPErr
	}
	m.otpSent = append(m.otpSent, phone)
	return nil
}

func (m *mockBackend) VerifyOTP(ctx context.Context, chatbotID, phone, code, channel string) (*backend.AuthToken, error) {
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	return m.verifyToken, nil
}

func (m *mockBackend) ValidateToken(ctx context.Context, token string) error {
	m.validateCalls++
	return m.validateErr
}

func (m *mockBackend) CaptureLead(ctx context.Context, chatbotID string, lead models.LeadData) error {
	if m.captureErr != nil {
		return m.captureErr
	}
	m.leads = append(m.leads, lead)
	return nil
}

func (m *mockBackend) SendProposal(ctx context.Context, chatbotID, phone, templateID string) error {
	if m.proposalErr != nil {
		return m.proposalErr
	}
	m.proposals = append(m.proposals, proposalCall{ChatbotID: chatbotID, Phone: phone, TemplateID: templateID})
	return nil
}

func (m *mockBackend) RequestHandoff(ctx context.Context, chatbotID, sessionID, phone string) error {
	if m.handoffErr != nil {
		return m.handoffErr
	}
	m.handoffs = append(m.handoffs, handoffCall{ChatbotID: chatbotID, SessionID: sessionID, Phone: phone})
	return nil
}

type mockConfigs struct {
	cfg       *models.ChatbotConfig
	authCfg   *models.AuthConfig
	authErr   error
	templates []models.EmailTemplate
}

func (m *mockConfigs) FetchConfig(ctx context.Context, chatbotID string) (*models.ChatbotConfig, error) {
	return m.cfg, nil
}

func (m *mockConfigs) FetchAuthConfig(ctx context.Context, chatbotID string) (*models.AuthConfig, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return m.authCfg, nil
}

func (m *mockConfigs) FetchEmailTemplates(ctx context.Context, chatbotID string) ([]models.EmailTemplate, error) {
	return m.templates, nil
}

func testSession() Session {
	return Session{ChatbotID: "bot-1", SessionID: "sess-1", Tab: "default"}
}

func testChatbotConfig() *models.ChatbotConfig {
	cfg := &models.ChatbotConfig{
		ChatbotID:        "bot-1",
		LeadEnabled:      true,
		LeadKeywords:     []string{"pricing", "demo"},
		ProposalEnabled:  true,
		ProposalKeywords: []string{"proposal", "quote"},
		HandoffEnabled:   true,
		HandoffKeywords:  []string{"human", "agent"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testAuthConfig(enabled bool, trigger int) *models.AuthConfig {
	cfg := &models.AuthConfig{Enabled: enabled, TriggerMessageCount: trigger}
	cfg.ApplyDefaults()
	return cfg
}

func newTestController(t *testing.T, client *mockBackend, configs *mockConfigs) (*Controller, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	timer := NewSimpleTimer()
	t.Cleanup(timer.Stop)
	return NewController(st, states, client, configs, timer, nil), st
}

func lastMessage(t *testing.T, resp *Response) models.ChatMessage {
	t.Helper()
	if len(resp.Messages) == 0 {
		t.Fatal("expected at least one bot message")
	}
	return resp.Messages[len(resp.Messages)-1]
}

func TestControllerDefaultPathStreams(t *testing.T) {
	client := &mockBackend{streamReply: "Hello there!"}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(false, 1)}
	ctrl, st := newTestController(t, client, configs)

	resp, err := ctrl.HandleMessage(context.Background(), testSession(), "hi")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Text != "Hello there!" {
		t.Fatalf("unexpected messages: %+v", resp.Messages)
	}

	history, err := st.GetTabHistory(testSession().HistoryKey())
	if err != nil {
		t.Fatalf("GetTabHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].Sender != models.SenderUser || history[1].Sender != models.SenderBot {
		t.Fatalf("unexpected history: %+v", history)
	}

	counters, err := st.GetCounters("bot-1", "sess-1")
	if err != nil {
		t.Fatalf("GetCounters failed: %v", err)
	}
	if counters.UserMessages != 1 || counters.BotMessages != 1 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
}

func TestControllerSuppressesDuplicateSends(t *testing.T) {
	client := &mockBackend{streamReply: "reply"}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(false, 1)}
	ctrl, _ := newTestController(t, client, configs)

	if _, err := ctrl.HandleMessage(context.Background(), testSession(), "same text"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	resp, err := ctrl.HandleMessage(context.Background(), testSession(), "same text")
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if !resp.Suppressed {
		t.Fatal("expected immediate duplicate to be suppressed")
	}
	if len(client.streamed) != 1 {
		t.Fatalf("expected a single stream call, got %d", len(client.streamed))
	}
}

func TestControllerCreditsExhausted(t *testing.T) {
	client := &mockBackend{streamErr: backend.ErrCreditsExhausted}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(false, 1)}
	ctrl, st := newTestController(t, client, configs)

	resp, err := ctrl.HandleMessage(context.Background(), testSession(), "hi")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !resp.CreditsExhausted {
		t.Fatal("expected CreditsExhausted to be set")
	}
	if resp.Toast == "" {
		t.Fatal("expected a toast for exhausted credits")
	}

	// The user message is still recorded even when no reply arrives.
	history, err := st.GetTabHistory(testSession().HistoryKey())
	if err != nil {
		t.Fatalf("GetTabHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Sender != models.SenderUser {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestControllerAuthTriggerAndVerification(t *testing.T) {
	client := &mockBackend{
		streamReply: "Here is your answer.",
		verifyToken: &backend.AuthToken{
			Token:     "tok-123",
			IssuedAt:  time.Now().UnixMilli(),
			ExpiresAt: time.Now().Add(24 * time.Hour).UnixMilli(),
		},
	}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(true, 1)}
	ctrl, st := newTestController(t, client, configs)
	ctx := context.Background()
	session := testSession()

	// First message is answered normally, then the phone prompt follows.
	resp, err := ctrl.HandleMessage(ctx, session, "hello")
	if err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected answer plus phone prompt, got %+v", resp.Messages)
	}
	if resp.Messages[1].Text != models.DefaultPhonePrompt {
		t.Fatalf("unexpected phone prompt: %q", resp.Messages[1].Text)
	}

	// Free text while blocked is queued, not answered.
	resp, err = ctrl.HandleMessage(ctx, session, "what are your pricing plans")
	if err != nil {
		t.Fatalf("blocked message failed: %v", err)
	}
	if !strings.Contains(lastMessage(t, resp).Text, "valid 10-digit") {
		t.Fatalf("expected invalid-phone reprompt, got %q", lastMessage(t, resp).Text)
	}
	if len(client.streamed) != 1 {
		t.Fatalf("blocked message must not reach the stream, got %d calls", len(client.streamed))
	}

	// A valid phone moves to the OTP prompt.
	resp, err = ctrl.HandleMessage(ctx, session, "my number is +91 98765 43210")
	if err != nil {
		t.Fatalf("phone message failed: %v", err)
	}
	if lastMessage(t, resp).Text != models.DefaultOTPPrompt {
		t.Fatalf("expected OTP prompt, got %q", lastMessage(t, resp).Text)
	}
	if len(client.otpSent) != 1 || client.otpSent[0] != "9876543210" {
		t.Fatalf("unexpected OTP sends: %+v", client.otpSent)
	}

	// The correct code verifies and replays the queued question.
	resp, err = ctrl.HandleMessage(ctx, session, "123456")
	if err != nil {
		t.Fatalf("OTP message failed: %v", err)
	}
	if resp.Messages[0].Text != models.DefaultVerifiedText {
		t.Fatalf("expected verified text first, got %q", resp.Messages[0].Text)
	}
	if len(client.streamed) != 2 || client.streamed[1].Message != "what are your pricing plans" {
		t.Fatalf("expected queued message replay, got %+v", client.streamed)
	}

	creds, err := st.GetAuthCredentials("bot-1", "sess-1")
	if err != nil {
		t.Fatalf("GetAuthCredentials failed: %v", err)
	}
	if creds == nil || creds.Token != "tok-123" || creds.Phone != "9876543210" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	// Verified sessions are not prompted again.
	resp, err = ctrl.HandleMessage(ctx, session, "thanks")
	if err != nil {
		t.Fatalf("post-verification message failed: %v", err)
	}
	for _, msg := range resp.Messages {
		if msg.Text == models.DefaultPhonePrompt {
			t.Fatal("verified session must not see the phone prompt again")
		}
	}
}

func TestAuthFlowWrongCodeLimitRestartsFromPhone(t *testing.T) {
	client := &mockBackend{verifyToken: nil} // every code is wrong
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	auth := NewAuthFlow(states, st, client, nil)
	ctx := context.Background()
	session := testSession()
	cfg := testAuthConfig(true, 1)

	if _, err := auth.Trigger(ctx, session, cfg, "original question"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if _, err := auth.HandleInput(ctx, session, cfg, "9876543210"); err != nil {
		t.Fatalf("phone input failed: %v", err)
	}

	for i := 0; i < maxOTPAttempts-1; i++ {
		result, err := auth.HandleInput(ctx, session, cfg, "000000")
		if err != nil {
			t.Fatalf("wrong code %d failed: %v", i+1, err)
		}
		if result.Verified {
			t.Fatal("wrong code must not verify")
		}
	}

	result, err := auth.HandleInput(ctx, session, cfg, "000000")
	if err != nil {
		t.Fatalf("final wrong code failed: %v", err)
	}
	if !strings.Contains(result.Messages[0].Text, "start over") {
		t.Fatalf("expected restart message, got %q", result.Messages[0].Text)
	}
	state, err := auth.State(ctx, session)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != models.StateAuthAskingPhone {
		t.Fatalf("expected restart at AUTH_ASKING_PHONE, got %q", state)
	}
}

func TestControllerLeadKeywordTriggersCollection(t *testing.T) {
	client := &mockBackend{streamReply: "reply"}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(false, 1)}
	ctrl, _ := newTestController(t, client, configs)
	ctx := context.Background()
	session := testSession()

	resp, err := ctrl.HandleMessage(ctx, session, "can you share pricing")
	if err != nil {
		t.Fatalf("trigger message failed: %v", err)
	}
	if lastMessage(t, resp).Text != models.DefaultLeadPrompts["name"] {
		t.Fatalf("expected name prompt, got %q", lastMessage(t, resp).Text)
	}
	if len(client.streamed) != 0 {
		t.Fatal("lead trigger must not reach the stream")
	}

	// Walk through name, phone, email.
	if _, err := ctrl.HandleMessage(ctx, session, "my name is Asha Rao"); err != nil {
		t.Fatalf("name input failed: %v", err)
	}
	if _, err := ctrl.HandleMessage(ctx, session, "9876543210"); err != nil {
		t.Fatalf("phone input failed: %v", err)
	}
	resp, err = ctrl.HandleMessage(ctx, session, "asha@example.com")
	if err != nil {
		t.Fatalf("email input failed: %v", err)
	}
	if lastMessage(t, resp).Text != models.DefaultLeadSuccess {
		t.Fatalf("expected success text, got %q", lastMessage(t, resp).Text)
	}
	if len(client.leads) != 1 {
		t.Fatalf("expected one captured lead, got %d", len(client.leads))
	}
	lead := client.leads[0]
	if lead.Name != "Asha Rao" || lead.Phone != "9876543210" || lead.Email != "asha@example.com" {
		t.Fatalf("unexpected lead: %+v", lead)
	}
}

func TestLeadFlowSkipAborts(t *testing.T) {
	client := &mockBackend{}
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	timer := NewSimpleTimer()
	defer timer.Stop()
	lead := NewLeadFlow(states, client, timer)
	ctx := context.Background()
	session := testSession()
	cfg := testChatbotConfig()

	if _, err := lead.Trigger(ctx, session, cfg); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if _, err := lead.HandleInput(ctx, session, cfg, "Asha"); err != nil {
		t.Fatalf("name input failed: %v", err)
	}

	result, err := lead.HandleInput(ctx, session, cfg, "skip")
	if err != nil {
		t.Fatalf("skip failed: %v", err)
	}
	if !result.Aborted {
		t.Fatal("expected skip to abort collection")
	}
	if len(client.leads) != 0 {
		t.Fatal("aborted collection must not submit a lead")
	}

	active, err := lead.Active(ctx, session)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active {
		t.Fatal("flow must be inactive after abort")
	}

	// Partial data is discarded: a fresh trigger starts from the first field.
	msg, err := lead.Trigger(ctx, session, cfg)
	if err != nil {
		t.Fatalf("re-trigger failed: %v", err)
	}
	if msg.Text != cfg.LeadPrompts["name"] {
		t.Fatalf("expected restart at name prompt, got %q", msg.Text)
	}
}

func TestLeadFlowCaptureFailureResets(t *testing.T) {
	client := &mockBackend{captureErr: errors.New("zoho down")}
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	timer := NewSimpleTimer()
	defer timer.Stop()
	lead := NewLeadFlow(states, client, timer)
	ctx := context.Background()
	session := testSession()
	cfg := testChatbotConfig()

	if _, err := lead.Trigger(ctx, session, cfg); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	for _, input := range []string{"Asha Rao", "9876543210", "asha@example.com"} {
		result, err := lead.HandleInput(ctx, session, cfg, input)
		if err != nil {
			t.Fatalf("input %q failed: %v", input, err)
		}
		if result.Completed {
			t.Fatal("capture failure must not complete the flow")
		}
	}

	active, err := lead.Active(ctx, session)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active {
		t.Fatal("flow must reset after a failed capture")
	}
}

func TestControllerProposalConfirmSendsProposal(t *testing.T) {
	client := &mockBackend{streamReply: "Sure, let me explain."}
	configs := &mockConfigs{
		cfg:       testChatbotConfig(),
		authCfg:   testAuthConfig(false, 1),
		templates: []models.EmailTemplate{{ID: "tpl-1", Name: "Standard"}},
	}
	ctrl, _ := newTestController(t, client, configs)
	ctx := context.Background()
	session := testSession()

	resp, err := ctrl.HandleMessage(ctx, session, "can you send me a proposal")
	if err != nil {
		t.Fatalf("intent message failed: %v", err)
	}
	if lastMessage(t, resp).Text != models.DefaultProposalAsk {
		t.Fatalf("expected proposal question, got %q", lastMessage(t, resp).Text)
	}

	resp, err = ctrl.HandleMessage(ctx, session, "yes please")
	if err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}
	if len(client.proposals) != 1 || client.proposals[0].TemplateID != "tpl-1" {
		t.Fatalf("unexpected proposal calls: %+v", client.proposals)
	}
	if !strings.Contains(lastMessage(t, resp).Text, "on its way") {
		t.Fatalf("expected proposal ack, got %q", lastMessage(t, resp).Text)
	}
}

func TestControllerHandoffDecline(t *testing.T) {
	client := &mockBackend{streamReply: "reply"}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(false, 1)}
	ctrl, _ := newTestController(t, client, configs)
	ctx := context.Background()
	session := testSession()

	if _, err := ctrl.HandleMessage(ctx, session, "I want to talk to a human"); err != nil {
		t.Fatalf("intent message failed: %v", err)
	}
	resp, err := ctrl.HandleMessage(ctx, session, "no thanks")
	if err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	if len(client.handoffs) != 0 {
		t.Fatal("declined handoff must not call the backend")
	}
	if !strings.Contains(lastMessage(t, resp).Text, "No problem") {
		t.Fatalf("expected decline ack, got %q", lastMessage(t, resp).Text)
	}
}

func TestControllerTemplateChoiceByNumber(t *testing.T) {
	cfg := testChatbotConfig()
	cfg.RequireTemplateChoice = true
	client := &mockBackend{streamReply: "reply"}
	configs := &mockConfigs{
		cfg:     cfg,
		authCfg: testAuthConfig(false, 1),
		templates: []models.EmailTemplate{
			{ID: "tpl-1", Name: "Standard"},
			{ID: "tpl-2", Name: "Enterprise"},
		},
	}
	ctrl, _ := newTestController(t, client, configs)
	ctx := context.Background()
	session := testSession()

	if _, err := ctrl.HandleMessage(ctx, session, "send me a quote"); err != nil {
		t.Fatalf("intent message failed: %v", err)
	}
	resp, err := ctrl.HandleMessage(ctx, session, "yes")
	if err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}
	if !strings.Contains(lastMessage(t, resp).Text, "1. Standard") {
		t.Fatalf("expected template list, got %q", lastMessage(t, resp).Text)
	}
	if len(client.proposals) != 0 {
		t.Fatal("proposal must wait for the template choice")
	}

	// An invalid pick re-prompts with the list.
	resp, err = ctrl.HandleMessage(ctx, session, "5")
	if err != nil {
		t.Fatalf("invalid pick failed: %v", err)
	}
	if !strings.Contains(lastMessage(t, resp).Text, "2. Enterprise") {
		t.Fatalf("expected re-prompt with list, got %q", lastMessage(t, resp).Text)
	}

	if _, err := ctrl.HandleMessage(ctx, session, "2"); err != nil {
		t.Fatalf("valid pick failed: %v", err)
	}
	if len(client.proposals) != 1 || client.proposals[0].TemplateID != "tpl-2" {
		t.Fatalf("unexpected proposal calls: %+v", client.proposals)
	}
}

func TestIntentConfirmationTimeout(t *testing.T) {
	client := &mockBackend{}
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	intent := NewIntentFlow(states, client, nil)
	ctx := context.Background()
	session := testSession()
	cfg := testChatbotConfig()

	base := time.Now()
	intent.now = func() time.Time { return base }

	ask, err := intent.DetectAndAsk(ctx, session, cfg, "I'd like a proposal")
	if err != nil {
		t.Fatalf("DetectAndAsk failed: %v", err)
	}
	if ask == nil {
		t.Fatal("expected a confirmation question")
	}

	// Just inside the window the dialogue is still pending.
	intent.now = func() time.Time { return base.Add(time.Duration(cfg.ConfirmTimeoutMinutes)*time.Minute - time.Second) }
	pending, err := intent.Pending(ctx, session, cfg)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if pending != models.StateIntentProposalPending {
		t.Fatalf("expected pending proposal, got %q", pending)
	}

	// Past the window it is cleared and a yes no longer sends anything.
	intent.now = func() time.Time { return base.Add(time.Duration(cfg.ConfirmTimeoutMinutes)*time.Minute + time.Second) }
	result, err := intent.Resolve(ctx, session, cfg, "yes", "", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Handled {
		t.Fatal("expired confirmation must fall through")
	}
	if len(client.proposals) != 0 {
		t.Fatal("expired confirmation must not send a proposal")
	}
}

func TestIntentUnclassifiedReplyClearsDialogue(t *testing.T) {
	client := &mockBackend{}
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	intent := NewIntentFlow(states, client, nil)
	ctx := context.Background()
	session := testSession()
	cfg := testChatbotConfig()

	if _, err := intent.DetectAndAsk(ctx, session, cfg, "connect me to an agent"); err != nil {
		t.Fatalf("DetectAndAsk failed: %v", err)
	}
	result, err := intent.Resolve(ctx, session, cfg, "what are your office hours", "", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Handled {
		t.Fatal("unclassified reply must fall through")
	}
	pending, err := intent.Pending(ctx, session, cfg)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if pending != "" {
		t.Fatalf("dialogue must be cleared, got %q", pending)
	}
}

func TestExtractPhone(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"9876543210", "9876543210", true},
		{"+91 98765 43210", "9876543210", true},
		{"91-9876543210", "9876543210", true},
		{"my number is 98765-43210", "9876543210", true},
		{"1234567890", "", false}, // must start 6-9
		{"98765", "", false},
		{"call me maybe", "", false},
		{"98765432101234", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractPhone(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractPhone(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsSkipKeyword(t *testing.T) {
	for _, text := range []string{"skip", "SKIP", " no ", "Later"} {
		if !IsSkipKeyword(text) {
			t.Errorf("IsSkipKeyword(%q) = false, want true", text)
		}
	}
	for _, text := range []string{"skipping", "not yet", "no thanks"} {
		if IsSkipKeyword(text) {
			t.Errorf("IsSkipKeyword(%q) = true, want false", text)
		}
	}
}

func TestSendGuardDuplicateWindow(t *testing.T) {
	guard := NewSendGuard()
	base := time.Now()
	guard.now = func() time.Time { return base }

	if !guard.Begin("p1", "hello") {
		t.Fatal("first send must pass")
	}
	guard.End("p1")

	if guard.Begin("p1", "hello") {
		t.Fatal("identical text inside the window must be suppressed")
	}
	if !guard.Begin("p1", "different") {
		t.Fatal("different text must pass")
	}
	guard.End("p1")

	guard.now = func() time.Time { return base.Add(2 * duplicateWindow) }
	if !guard.Begin("p1", "hello") {
		t.Fatal("identical text after the window must pass")
	}
	guard.End("p1")
}

func TestSendGuardInFlight(t *testing.T) {
	guard := NewSendGuard()
	if !guard.Begin("p1", "first") {
		t.Fatal("first send must pass")
	}
	if guard.Begin("p1", "second") {
		t.Fatal("concurrent send for the same participant must be suppressed")
	}
	if !guard.Begin("p2", "second") {
		t.Fatal("other participants are unaffected")
	}
}

type mockResponder struct {
	reply string
	err   error
	calls int
}

func (m *mockResponder) GenerateReply(ctx context.Context, systemPrompt string, history []models.ChatMessage, userText string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func TestControllerFallbackResponderOnStreamFailure(t *testing.T) {
	client := &mockBackend{streamErr: errors.New("upstream down")}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(false, 1)}
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	timer := NewSimpleTimer()
	t.Cleanup(timer.Stop)
	responder := &mockResponder{reply: "Direct answer."}
	ctrl := NewController(st, states, client, configs, timer, nil, WithFallbackResponder(responder))

	resp, err := ctrl.HandleMessage(context.Background(), testSession(), "tell me about shipping")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if responder.calls != 1 {
		t.Fatalf("expected one fallback call, got %d", responder.calls)
	}
	if resp.Toast != "" {
		t.Fatalf("fallback reply must not raise a toast, got %q", resp.Toast)
	}
	if got := lastMessage(t, resp).Text; got != "Direct answer." {
		t.Fatalf("unexpected reply: %q", got)
	}

	counters, err := st.GetCounters(testSession().ChatbotID, testSession().SessionID)
	if err != nil || counters.BotMessages != 1 {
		t.Fatalf("unexpected counters: (%+v, %v)", counters, err)
	}
}

func TestControllerFallbackResponderSkippedOnCreditsError(t *testing.T) {
	client := &mockBackend{streamErr: backend.ErrCreditsExhausted}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(false, 1)}
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	timer := NewSimpleTimer()
	t.Cleanup(timer.Stop)
	responder := &mockResponder{reply: "Direct answer."}
	ctrl := NewController(st, states, client, configs, timer, nil, WithFallbackResponder(responder))

	resp, err := ctrl.HandleMessage(context.Background(), testSession(), "hi")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if responder.calls != 0 {
		t.Fatalf("credits errors must not hit the fallback, got %d calls", responder.calls)
	}
	if !resp.CreditsExhausted {
		t.Fatal("expected CreditsExhausted to be set")
	}
}

func TestAuthFlowLocalCodeAfterRestartWithoutTwilio(t *testing.T) {
	client := &mockBackend{streamReply: "Hi!"}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(true, 1)}
	ctrl, st := newTestController(t, client, configs)
	states := NewStoreBasedStateManager(st)

	// A previous run issued a locally generated code, then the process
	// restarted without Twilio configured. Only the persisted state remains.
	ctx := context.Background()
	pid := testSession().ParticipantID()
	if err := states.SetCurrentState(ctx, pid, models.FlowTypeAuth, models.StateAuthAskingOTP); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	for key, value := range map[models.DataKey]string{
		models.DataKeyPhonePromptSent: "1",
		models.DataKeyVerifiedPhone:   "9876543210",
		models.DataKeyOTPAttempts:     "0",
		"local_otp":                   "1",
	} {
		if err := states.SetStateData(ctx, pid, models.FlowTypeAuth, key, value); err != nil {
			t.Fatalf("seed state data: %v", err)
		}
	}

	resp, err := ctrl.HandleMessage(ctx, testSession(), "123456")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	// The platform rejects the unknown code; the user is re-prompted instead
	// of the engine crashing or forwarding the code to chat.
	if got := lastMessage(t, resp).Text; !strings.Contains(got, "doesn't match") {
		t.Fatalf("expected a wrong-code re-prompt, got %q", got)
	}
	if len(client.streamed) != 0 {
		t.Fatalf("OTP input must not reach the chat upstream, got %d stream calls", len(client.streamed))
	}
}

func TestAuthVerifiedExpiredTokenTrustPolicy(t *testing.T) {
	session := testSession()
	expired := models.AuthCredentials{
		Phone:     "9876543210",
		Token:     "tok-old",
		IssuedAt:  time.Now().Add(-48 * time.Hour).UnixMilli(),
		ExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
	}

	cases := []struct {
		name         string
		validateErr  error
		wantVerified bool
		wantDeleted  bool
	}{
		{name: "backend accepts", validateErr: nil, wantVerified: true},
		{name: "backend unreachable", validateErr: errors.New("connection refused"), wantVerified: true},
		{name: "backend rejects", validateErr: backend.ErrUnauthorized, wantVerified: false, wantDeleted: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &mockBackend{validateErr: tc.validateErr}
			st := store.NewInMemoryStore()
			flow := NewAuthFlow(NewStoreBasedStateManager(st), st, client, nil)
			if err := st.SaveAuthCredentials(session.ChatbotID, session.SessionID, expired); err != nil {
				t.Fatalf("seed credentials: %v", err)
			}

			verified, _, err := flow.Verified(context.Background(), session)
			if err != nil {
				t.Fatalf("Verified failed: %v", err)
			}
			if verified != tc.wantVerified {
				t.Fatalf("expected verified=%v, got %v", tc.wantVerified, verified)
			}
			if client.validateCalls != 1 {
				t.Fatalf("expected one validation call, got %d", client.validateCalls)
			}
			creds, err := st.GetAuthCredentials(session.ChatbotID, session.SessionID)
			if err != nil {
				t.Fatalf("GetAuthCredentials failed: %v", err)
			}
			if tc.wantDeleted && creds != nil {
				t.Fatal("rejected credentials must be deleted")
			}
			if !tc.wantDeleted && creds == nil {
				t.Fatal("credentials must be kept while trusted")
			}
		})
	}
}

func TestAuthVerifiedUnexpiredTokenSkipsValidation(t *testing.T) {
	session := testSession()
	client := &mockBackend{validateErr: backend.ErrUnauthorized}
	st := store.NewInMemoryStore()
	flow := NewAuthFlow(NewStoreBasedStateManager(st), st, client, nil)
	creds := models.AuthCredentials{
		Phone:     "9876543210",
		Token:     "tok-fresh",
		IssuedAt:  time.Now().UnixMilli(),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := st.SaveAuthCredentials(session.ChatbotID, session.SessionID, creds); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}

	verified, _, err := flow.Verified(context.Background(), session)
	if err != nil {
		t.Fatalf("Verified failed: %v", err)
	}
	if !verified {
		t.Fatal("expected unexpired token to be trusted")
	}
	if client.validateCalls != 0 {
		t.Fatalf("unexpired tokens must not hit the backend, got %d calls", client.validateCalls)
	}
}

func TestControllerAuthGateSurvivesConfigFetchFailure(t *testing.T) {
	client := &mockBackend{streamReply: "Sure!", verifyToken: &backend.AuthToken{
		Token:     "tok-1",
		IssuedAt:  time.Now().UnixMilli(),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}}
	configs := &mockConfigs{cfg: testChatbotConfig(), authCfg: testAuthConfig(true, 1)}
	ctrl, _ := newTestController(t, client, configs)
	ctx := context.Background()

	// First message: streamed reply, then the phone prompt.
	if _, err := ctrl.HandleMessage(ctx, testSession(), "hello there"); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if len(client.streamed) != 1 {
		t.Fatalf("expected 1 stream call, got %d", len(client.streamed))
	}

	// Auth-config fetches start failing while the gate is active.
	configs.authErr = errors.New("config service down")

	resp, err := ctrl.HandleMessage(ctx, testSession(), "+91 9876543210")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if got := lastMessage(t, resp).Text; got != models.DefaultOTPPrompt {
		t.Fatalf("expected the OTP prompt, got %q", got)
	}
	resp, err = ctrl.HandleMessage(ctx, testSession(), "123456")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if got := lastMessage(t, resp).Text; got != models.DefaultVerifiedText {
		t.Fatalf("expected verification success, got %q", got)
	}

	// Neither the phone number nor the code reached the chat upstream.
	if len(client.streamed) != 1 {
		t.Fatalf("gated input leaked upstream: %d stream calls", len(client.streamed))
	}
}

func TestSendGuardEvictsIdleEntries(t *testing.T) {
	guard := NewSendGuard()
	current := time.Now()
	guard.now = func() time.Time { return current }

	if !guard.Begin("p1", "first") {
		t.Fatal("expected first send to proceed")
	}
	guard.End("p1")
	if _, ok := guard.entries["p1"]; !ok {
		t.Fatal("entry must survive while its duplicate window is open")
	}

	current = current.Add(2 * duplicateWindow)
	if !guard.Begin("p2", "second") {
		t.Fatal("expected second participant to proceed")
	}
	guard.End("p2")

	if _, ok := guard.entries["p1"]; ok {
		t.Fatal("idle entry must be evicted after the duplicate window")
	}
	if _, ok := guard.entries["p2"]; !ok {
		t.Fatal("entry still inside its window must be kept")
	}
}
