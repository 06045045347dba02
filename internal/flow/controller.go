package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/troikalabs/chatflow/internal/backend"
	"github.com/troikalabs/chatflow/internal/match"
	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/otp"
	"github.com/troikalabs/chatflow/internal/store"
)

// User-facing toast texts for backend failures on the default path.
const (
	toastCreditsExhausted = "This chatbot has run out of credits. Please contact the site owner."
	toastGenericFailure   = "Something went wrong. Please try sending your message again."
)

// Responder produces a direct chat reply. It backs the fallback path used
// when the streaming upstream fails; genai.Client satisfies it.
type Responder interface {
	GenerateReply(ctx context.Context, systemPrompt string, history []models.ChatMessage, userText string) (string, error)
}

// ControllerOption configures optional controller behavior.
type ControllerOption func(*Controller)

// WithFallbackResponder sets the direct-LLM responder consulted when the
// streaming chat upstream fails with a non-credit error.
func WithFallbackResponder(r Responder) ControllerOption {
	return func(c *Controller) { c.fallback = r }
}

// Controller is the single entry point for user messages. Each message is
// dispatched to exactly the first matching branch, in strict priority order:
// duplicate suppression, auth gate, lead collection, handoff confirmation,
// proposal confirmation, template choice, and finally the streaming default
// path.
type Controller struct {
	store   store.Store
	states  StateManager
	auth    *AuthFlow
	lead    *LeadFlow
	intent  *IntentFlow
	guard   *SendGuard
	backend BackendClient
	configs ConfigSource
	matcher *match.Matcher

	// fallback, when set, answers in place of the streaming upstream after a
	// non-credit stream failure.
	fallback Responder
}

// NewController wires the flow engine together. localOTP may be nil when no
// fallback OTP delivery is configured.
func NewController(st store.Store, states StateManager, client BackendClient, configs ConfigSource, timer Timer, localOTP *otp.Service, options ...ControllerOption) *Controller {
	matcher := match.NewMatcher()
	c := &Controller{
		store:   st,
		states:  states,
		auth:    NewAuthFlow(states, st, client, localOTP),
		lead:    NewLeadFlow(states, client, timer),
		intent:  NewIntentFlow(states, client, matcher),
		guard:   NewSendGuard(),
		backend: client,
		configs: configs,
		matcher: matcher,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Response is the outcome of handling one user message.
type Response struct {
	// Messages are the bot messages produced, in order, already appended to
	// the tab history.
	Messages []models.ChatMessage
	// Suppressed is true when the message was dropped as a duplicate or
	// because a send was already in flight. Nothing was persisted.
	Suppressed bool
	// CreditsExhausted marks the distinguished credits error; Toast carries
	// its user-facing text.
	CreditsExhausted bool
	// Toast is a transient notification to show alongside the chat, empty
	// when none.
	Toast string
	// HandoffStarted is true when this message confirmed a handoff; the
	// caller begins polling for agent replies.
	HandoffStarted bool
}

// HandleMessage processes one user message for the session and returns the
// bot messages to render. Backend failures surface in the Response; an error
// return means storage failed.
func (c *Controller) HandleMessage(ctx context.Context, session Session, text string) (*Response, error) {
	if err := validateInput(session, text); err != nil {
		return nil, err
	}
	participantID := session.ParticipantID()

	if !c.guard.Begin(participantID, text) {
		return &Response{Suppressed: true}, nil
	}
	defer c.guard.End(participantID)

	cfg, authCfg := c.loadConfigs(ctx, session.ChatbotID)

	if err := c.store.AppendMessage(session.HistoryKey(), models.NewUserMessage(text)); err != nil {
		return nil, err
	}

	resp := &Response{}

	// Auth gate: while the phone/OTP flow is active it consumes every
	// message; free text is queued for replay after verification. The gate
	// keys on the persisted state alone: an asking state only exists if auth
	// was enabled, and a transient config-fetch failure must not leak a
	// phone number or OTP code to the chat upstream.
	authState, err := c.auth.State(ctx, session)
	if err != nil {
		return nil, err
	}
	if authState == models.StateAuthAskingPhone || authState == models.StateAuthAskingOTP {
		result, err := c.auth.HandleInput(ctx, session, authCfg, text)
		if err != nil {
			return nil, err
		}
		if err := c.appendBotMessages(session, resp, result.Messages...); err != nil {
			return nil, err
		}
		if result.Verified && result.QueuedMessage != "" {
			slog.Debug("Controller: replaying queued message after verification", "participantID", participantID)
			if err := c.defaultPath(ctx, session, cfg, authCfg, result.QueuedMessage, resp); err != nil {
				return nil, err
			}
		}
		return resp, nil
	}

	// Active lead collection consumes the message.
	leadActive, err := c.lead.Active(ctx, session)
	if err != nil {
		return nil, err
	}
	if leadActive {
		result, err := c.lead.HandleInput(ctx, session, cfg, text)
		if err != nil {
			return nil, err
		}
		if err := c.appendBotMessages(session, resp, result.Messages...); err != nil {
			return nil, err
		}
		return resp, nil
	}

	// Pending confirmation dialogues, handoff before proposal before the
	// template choice.
	pending, err := c.intent.Pending(ctx, session, cfg)
	if err != nil {
		return nil, err
	}
	switch pending {
	case models.StateIntentHandoffPending, models.StateIntentProposalPending:
		phone := c.verifiedPhone(ctx, session)
		templates := c.templates(ctx, session.ChatbotID)
		result, err := c.intent.Resolve(ctx, session, cfg, text, phone, templates)
		if err != nil {
			return nil, err
		}
		if result.Handled {
			resp.HandoffStarted = result.HandoffStarted
			if err := c.appendBotMessages(session, resp, result.Messages...); err != nil {
				return nil, err
			}
			return resp, nil
		}
		// Unclassified reply: dialogue cleared, message falls through.
	case models.StateIntentTemplateChoice:
		phone := c.verifiedPhone(ctx, session)
		result, err := c.intent.HandleTemplateChoice(ctx, session, cfg, text, phone)
		if err != nil {
			return nil, err
		}
		if result.Handled {
			if err := c.appendBotMessages(session, resp, result.Messages...); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}

	// Fresh lead-collection trigger.
	if cfg.LeadEnabled && len(cfg.LeadKeywords) > 0 && c.matcher.MatchAny(text, cfg.LeadKeywords) {
		msg, err := c.lead.Trigger(ctx, session, cfg)
		if err != nil {
			return nil, err
		}
		if err := c.appendBotMessages(session, resp, msg); err != nil {
			return nil, err
		}
		return resp, nil
	}

	if err := c.defaultPath(ctx, session, cfg, authCfg, text, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// defaultPath runs the streaming chat completion and the post-reply hooks:
// intent detection on the user message, then the auth trigger check.
func (c *Controller) defaultPath(ctx context.Context, session Session, cfg *models.ChatbotConfig, authCfg *models.AuthConfig, text string, resp *Response) error {
	counters, err := c.store.GetCounters(session.ChatbotID, session.SessionID)
	if err != nil {
		return err
	}
	counters.UserMessages++

	botText, streamErr := c.backend.StreamChat(ctx, backend.StreamRequest{
		ChatbotID: session.ChatbotID,
		SessionID: session.SessionID,
		Tab:       session.Tab,
		Message:   text,
		Token:     c.verifiedToken(ctx, session),
	}, nil)

	// Whatever arrived before a failure or cancellation is kept.
	if botText != "" {
		counters.BotMessages++
		if err := c.appendBotMessages(session, resp, models.NewBotMessage(botText)); err != nil {
			return err
		}
	}
	if err := c.store.SaveCounters(session.ChatbotID, session.SessionID, counters); err != nil {
		return err
	}

	if streamErr != nil {
		if errors.Is(streamErr, backend.ErrCreditsExhausted) {
			slog.Info("Controller: credits exhausted", "chatbotID", session.ChatbotID)
			resp.CreditsExhausted = true
			resp.Toast = toastCreditsExhausted
			return nil
		}
		slog.Error("Controller: stream failed", "error", streamErr, "chatbotID", session.ChatbotID)
		if botText == "" && c.fallback != nil {
			if fbText := c.fallbackReply(ctx, session, cfg, text); fbText != "" {
				counters.BotMessages++
				if err := c.store.SaveCounters(session.ChatbotID, session.SessionID, counters); err != nil {
					return err
				}
				return c.appendBotMessages(session, resp, models.NewBotMessage(fbText))
			}
		}
		resp.Toast = toastGenericFailure
		return nil
	}

	// Intent detection runs against the user message once the bot reply
	// lands.
	ask, err := c.intent.DetectAndAsk(ctx, session, cfg, text)
	if err != nil {
		return err
	}
	if ask != nil {
		return c.appendBotMessages(session, resp, *ask)
	}

	trigger, err := c.auth.ShouldTrigger(ctx, session, authCfg)
	if err != nil {
		return err
	}
	if trigger {
		prompt, err := c.auth.Trigger(ctx, session, authCfg, "")
		if err != nil {
			return err
		}
		return c.appendBotMessages(session, resp, prompt)
	}
	return nil
}

// fallbackReply asks the direct-LLM responder for an answer using the tab
// history recorded so far. Returns "" when the fallback also fails.
func (c *Controller) fallbackReply(ctx context.Context, session Session, cfg *models.ChatbotConfig, text string) string {
	history, err := c.store.GetTabHistory(session.HistoryKey())
	if err != nil {
		slog.Error("Controller.fallbackReply: history load failed", "error", err, "participantID", session.ParticipantID())
		history = nil
	}
	// The user message was already appended; the responder receives it as
	// userText instead.
	if n := len(history); n > 0 && history[n-1].Sender == models.SenderUser && history[n-1].Text == text {
		history = history[:n-1]
	}
	reply, err := c.fallback.GenerateReply(ctx, cfg.SystemPrompt, history, text)
	if err != nil {
		slog.Error("Controller.fallbackReply: responder failed", "error", err, "chatbotID", session.ChatbotID)
		return ""
	}
	slog.Debug("Controller.fallbackReply: served direct reply", "chatbotID", session.ChatbotID)
	return reply
}

// appendBotMessages persists bot messages to the tab history and collects
// them on the response.
func (c *Controller) appendBotMessages(session Session, resp *Response, msgs ...models.ChatMessage) error {
	for _, msg := range msgs {
		if err := c.store.AppendMessage(session.HistoryKey(), msg); err != nil {
			return err
		}
		resp.Messages = append(resp.Messages, msg)
	}
	return nil
}

// loadConfigs fetches the chatbot and auth configuration, falling back to
// defaults when the platform is unreachable so the widget stays usable.
func (c *Controller) loadConfigs(ctx context.Context, chatbotID string) (*models.ChatbotConfig, *models.AuthConfig) {
	cfg, err := c.configs.FetchConfig(ctx, chatbotID)
	if err != nil || cfg == nil {
		slog.Error("Controller: config fetch failed, using defaults", "error", err, "chatbotID", chatbotID)
		cfg = &models.ChatbotConfig{ChatbotID: chatbotID}
		cfg.ApplyDefaults()
	}
	authCfg, err := c.configs.FetchAuthConfig(ctx, chatbotID)
	if err != nil || authCfg == nil {
		slog.Error("Controller: auth config fetch failed, auth disabled", "error", err, "chatbotID", chatbotID)
		authCfg = &models.AuthConfig{}
		authCfg.ApplyDefaults()
	}
	return cfg, authCfg
}

func (c *Controller) templates(ctx context.Context, chatbotID string) []models.EmailTemplate {
	templates, err := c.configs.FetchEmailTemplates(ctx, chatbotID)
	if err != nil {
		slog.Error("Controller: template fetch failed", "error", err, "chatbotID", chatbotID)
		return nil
	}
	return templates
}

func (c *Controller) verifiedPhone(ctx context.Context, session Session) string {
	_, creds, err := c.auth.Verified(ctx, session)
	if err != nil || creds == nil {
		return ""
	}
	return creds.Phone
}

func (c *Controller) verifiedToken(ctx context.Context, session Session) string {
	_, creds, err := c.auth.Verified(ctx, session)
	if err != nil || creds == nil {
		return ""
	}
	return creds.Token
}

// Auth exposes the auth flow, used by the API layer for session restore.
func (c *Controller) Auth() *AuthFlow {
	return c.auth
}

func validateInput(session Session, text string) error {
	if session.ChatbotID == "" {
		return models.ErrEmptyChatbotID
	}
	if session.SessionID == "" {
		return models.ErrEmptySessionID
	}
	if session.Tab == "" {
		return models.ErrEmptyTab
	}
	if text == "" {
		return models.ErrEmptyMessageText
	}
	if len(text) > models.MaxMessageTextLength {
		return models.ErrMessageTextTooLong
	}
	return nil
}
