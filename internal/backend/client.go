// Package backend implements the HTTP client for the chatbot platform API.
//
// It covers configuration fetches, the phone/OTP auth endpoints, the SSE
// streaming chat completion, and the side-effecting intent endpoints (lead
// capture, proposal send, handoff request, transcript delivery).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/troikalabs/chatflow/internal/models"
)

// Error variables distinguishing backend failure classes.
var (
	// ErrCreditsExhausted is returned when the platform reports the chatbot's
	// credit balance is spent. Callers surface it differently from generic
	// failures.
	ErrCreditsExhausted = errors.New("chatbot credits exhausted")
	// ErrUnauthorized is returned on an explicit 401 from the platform.
	ErrUnauthorized = errors.New("token rejected by backend")
)

// Credit error codes recognized in stream error events and response bodies.
const (
	codeCreditsExhausted    = "CREDITS_EXHAUSTED"
	codeInsufficientCredits = "INSUFFICIENT_CREDITS"
)

// DefaultTimeout bounds non-streaming requests.
const DefaultTimeout = 30 * time.Second

// TTS retry policy: up to two retries with linear backoff.
const ttsMaxRetries = 2

// ttsRetryBackoff is the base backoff unit between TTS attempts. Variable so
// tests can shorten it.
var ttsRetryBackoff = 1 * time.Second

// Opts holds configuration for the backend client.
type Opts struct {
	// BaseURL is the platform API root, e.g. https://api.example.com.
	BaseURL string
	// APIBase is the root for the streaming chat endpoint; defaults to BaseURL.
	APIBase string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Option configures the backend client.
type Option func(*Opts)

// WithBaseURL sets the platform API root.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAPIBase sets the streaming chat API root.
func WithAPIBase(url string) Option {
	return func(o *Opts) { o.APIBase = url }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to the chatbot platform API.
type Client struct {
	baseURL string
	apiBase string
	http    *http.Client
}

// NewClient creates a backend client from the provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		slog.Error("Backend client base URL not set")
		return nil, fmt.Errorf("backend base URL not set")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = cfg.BaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("Backend client created", "baseURL", cfg.BaseURL, "apiBase", cfg.APIBase)
	return &Client{baseURL: cfg.BaseURL, apiBase: cfg.APIBase, http: httpClient}, nil
}

// AuthToken is the bearer token returned by OTP verification. IssuedAt and
// ExpiresAt are milliseconds since epoch.
type AuthToken struct {
	Token     string `json:"token"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ActionResult is the {success, message} body shared by the side-effecting
// intent endpoints.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandoffMessage is one agent reply returned by the handoff poll endpoint.
type HandoffMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AgentName string `json:"agent_name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		return ErrCreditsExhausted
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if bytes.Contains(raw, []byte(codeCreditsExhausted)) || bytes.Contains(raw, []byte(codeInsufficientCredits)) {
			return ErrCreditsExhausted
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// FetchConfig retrieves a chatbot's behavior configuration. Missing fields
// are filled with defaults, so a partial response is never an error.
func (c *Client) FetchConfig(ctx context.Context, chatbotID string) (*models.ChatbotConfig, error) {
	var cfg models.ChatbotConfig
	url := fmt.Sprintf("%s/chatbot/%s/config", c.baseURL, chatbotID)
	if err := c.getJSON(ctx, url, &cfg); err != nil {
		slog.Error("Client.FetchConfig failed", "error", err, "chatbotID", chatbotID)
		return nil, err
	}
	cfg.ChatbotID = chatbotID
	cfg.ApplyDefaults()
	slog.Debug("Client.FetchConfig succeeded", "chatbotID", chatbotID)
	return &cfg, nil
}

// FetchAuthConfig retrieves a chatbot's inline-auth configuration.
func (c *Client) FetchAuthConfig(ctx context.Context, chatbotID string) (*models.AuthConfig, error) {
	var cfg models.AuthConfig
	url := fmt.Sprintf("%s/chatbot/%s/auth-config", c.baseURL, chatbotID)
	if err := c.getJSON(ctx, url, &cfg); err != nil {
		slog.Error("Client.FetchAuthConfig failed", "error", err, "chatbotID", chatbotID)
		return nil, err
	}
	cfg.ApplyDefaults()
	slog.Debug("Client.FetchAuthConfig succeeded", "chatbotID", chatbotID, "enabled", cfg.Enabled)
	return &cfg, nil
}

// FetchEmailTemplates retrieves the proposal templates configured for a chatbot.
func (c *Client) FetchEmailTemplates(ctx context.Context, chatbotID string) ([]models.EmailTemplate, error) {
	var templates []models.EmailTemplate
	url := fmt.Sprintf("%s/chatbot/%s/email-templates", c.baseURL, chatbotID)
	if err := c.getJSON(ctx, url, &templates); err != nil {
		slog.Error("Client.FetchEmailTemplates failed", "error", err, "chatbotID", chatbotID)
		return nil, err
	}
	slog.Debug("Client.FetchEmailTemplates succeeded", "chatbotID", chatbotID, "count", len(templates))
	return templates, nil
}

// SendOTP requests an OTP delivery to the given phone. The WhatsApp channel
// routes through the legacy whatsapp-otp path.
func (c *Client) SendOTP(ctx context.Context, chatbotID, phone, channel string) error {
	url := c.baseURL + "/chatbot/auth/send-otp"
	if channel == "whatsapp" {
		url = c.baseURL + "/chatbot/auth/whatsapp-otp/send"
	}
	body := map[string]string{"chatbot_id": chatbotID, "phone": phone}
	var result ActionResult
	if err := c.postJSON(ctx, url, body, &result); err != nil {
		slog.Error("Client.SendOTP failed", "error", err, "chatbotID", chatbotID, "channel", channel)
		return err
	}
	if !result.Success {
		slog.Error("Client.SendOTP rejected", "message", result.Message, "chatbotID", chatbotID)
		return fmt.Errorf("send otp rejected: %s", result.Message)
	}
	slog.Debug("Client.SendOTP succeeded", "chatbotID", chatbotID, "channel", channel)
	return nil
}

// VerifyOTP checks a submitted OTP code and returns the bearer token on
// success. A wrong code yields (nil, nil) so callers can re-prompt without
// treating it as a transport failure.
func (c *Client) VerifyOTP(ctx context.Context, chatbotID, phone, code, channel string) (*AuthToken, error) {
	url := c.baseURL + "/chatbot/auth/verify-otp"
	if channel == "whatsapp" {
		url = c.baseURL + "/chatbot/auth/whatsapp-otp/verify"
	}
	body := map[string]string{"chatbot_id": chatbotID, "phone": phone, "otp": code}
	var result struct {
		ActionResult
		AuthToken
	}
	if err := c.postJSON(ctx, url, body, &result); err != nil {
		slog.Error("Client.VerifyOTP failed", "error", err, "chatbotID", chatbotID)
		return nil, err
	}
	if !result.Success || result.Token == "" {
		slog.Debug("Client.VerifyOTP code rejected", "chatbotID", chatbotID, "message", result.Message)
		return nil, nil
	}
	slog.Debug("Client.VerifyOTP succeeded", "chatbotID", chatbotID)
	return &AuthToken{Token: result.Token, IssuedAt: result.IssuedAt, ExpiresAt: result.ExpiresAt}, nil
}

// ValidateToken asks the backend whether a bearer token is still good.
// Only an explicit 401 maps to ErrUnauthorized; transport and 5xx failures
// are returned as-is so callers can fall back to the locally cached expiry.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chatbot/auth/validate", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// CaptureLead submits a completed lead record.
func (c *Client) CaptureLead(ctx context.Context, chatbotID string, lead models.LeadData) error {
	body := struct {
		ChatbotID string `json:"chatbot_id"`
		models.LeadData
	}{ChatbotID: chatbotID, LeadData: lead}
	var result ActionResult
	if err := c.postJSON(ctx, c.baseURL+"/zoho/capture-lead", body, &result); err != nil {
		slog.Error("Client.CaptureLead failed", "error", err, "chatbotID", chatbotID)
		return err
	}
	if !result.Success {
		slog.Error("Client.CaptureLead rejected", "message", result.Message, "chatbotID", chatbotID)
		return fmt.Errorf("lead capture rejected: %s", result.Message)
	}
	slog.Debug("Client.CaptureLead succeeded", "chatbotID", chatbotID)
	return nil
}

// SendProposal asks the backend to email a proposal to the verified phone's
// contact. templateID may be empty when the chatbot has a single template.
func (c *Client) SendProposal(ctx context.Context, chatbotID, phone, templateID string) error {
	body := map[string]string{"chatbot_id": chatbotID, "phone": phone, "template_id": templateID}
	var result ActionResult
	if err := c.postJSON(ctx, c.baseURL+"/intent/send-proposal", body, &result); err != nil {
		slog.Error("Client.SendProposal failed", "error", err, "chatbotID", chatbotID)
		return err
	}
	if !result.Success {
		slog.Error("Client.SendProposal rejected", "message", result.Message, "chatbotID", chatbotID)
		return fmt.Errorf("send proposal rejected: %s", result.Message)
	}
	slog.Debug("Client.SendProposal succeeded", "chatbotID", chatbotID, "templateID", templateID)
	return nil
}

// RequestHandoff asks for a human agent to join the session.
func (c *Client) RequestHandoff(ctx context.Context, chatbotID, sessionID, phone string) error {
	body := map[string]string{"chatbot_id": chatbotID, "session_id": sessionID, "phone": phone}
	var result ActionResult
	if err := c.postJSON(ctx, c.baseURL+"/handoff/request", body, &result); err != nil {
		slog.Error("Client.RequestHandoff failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return err
	}
	if !result.Success {
		slog.Error("Client.RequestHandoff rejected", "message", result.Message, "sessionID", sessionID)
		return fmt.Errorf("handoff request rejected: %s", result.Message)
	}
	slog.Debug("Client.RequestHandoff succeeded", "sessionID", sessionID)
	return nil
}

// HandoffMessages fetches agent replies newer than sinceID. An empty sinceID
// returns everything.
func (c *Client) HandoffMessages(ctx context.Context, sessionID, sinceID string) ([]HandoffMessage, error) {
	url := fmt.Sprintf("%s/handoff/messages/%s", c.baseURL, sessionID)
	if sinceID != "" {
		url += "?since=" + sinceID
	}
	var msgs []HandoffMessage
	if err := c.getJSON(ctx, url, &msgs); err != nil {
		slog.Error("Client.HandoffMessages failed", "error", err, "sessionID", sessionID)
		return nil, err
	}
	return msgs, nil
}

// SendTranscript delivers the session's conversation transcript.
func (c *Client) SendTranscript(ctx context.Context, chatbotID, sessionID string, msgs []models.ChatMessage) error {
	body := struct {
		ChatbotID string               `json:"chatbot_id"`
		SessionID string               `json:"session_id"`
		Messages  []models.ChatMessage `json:"messages"`
	}{ChatbotID: chatbotID, SessionID: sessionID, Messages: msgs}
	var result ActionResult
	if err := c.postJSON(ctx, c.baseURL+"/conversation-transcript/send", body, &result); err != nil {
		slog.Error("Client.SendTranscript failed", "error", err, "sessionID", sessionID)
		return err
	}
	if !result.Success {
		return fmt.Errorf("transcript send rejected: %s", result.Message)
	}
	slog.Debug("Client.SendTranscript succeeded", "sessionID", sessionID, "messages", len(msgs))
	return nil
}

// GenerateTTS synthesizes speech for the given text. The only retried call
// in the client: up to two retries with linear backoff.
func (c *Client) GenerateTTS(ctx context.Context, chatbotID, text string) ([]byte, error) {
	body := map[string]string{"chatbot_id": chatbotID, "text": text}
	var lastErr error
	for attempt := 0; attempt <= ttsMaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("Client.GenerateTTS retrying", "attempt", attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * ttsRetryBackoff):
			}
		}
		audio, err := c.generateTTSOnce(ctx, body)
		if err == nil {
			return audio, nil
		}
		lastErr = err
	}
	slog.Error("Client.GenerateTTS exhausted retries", "error", lastErr)
	return nil, lastErr
}

func (c *Client) generateTTSOnce(ctx context.Context, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
