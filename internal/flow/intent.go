package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/troikalabs/chatflow/internal/match"
	"github.com/troikalabs/chatflow/internal/models"
)

// IntentFlow manages the proposal and handoff confirm-deny dialogues plus the
// optional template-choice phase. At most one dialogue is pending per session;
// a pending question expires after the configured timeout and is cleared
// lazily the next time it is consulted.
type IntentFlow struct {
	states  StateManager
	backend BackendClient
	matcher *match.Matcher
	now     func() time.Time
}

// NewIntentFlow creates the intent dialogue flow.
func NewIntentFlow(states StateManager, client BackendClient, matcher *match.Matcher) *IntentFlow {
	if matcher == nil {
		matcher = match.NewMatcher()
	}
	return &IntentFlow{states: states, backend: client, matcher: matcher, now: time.Now}
}

// IntentResult is the outcome of feeding one user message into a dialogue.
type IntentResult struct {
	// Handled is false when the message did not belong to the dialogue
	// (expired question, or a reply matching neither response list) and
	// should fall through to the default path.
	Handled  bool
	Messages []models.ChatMessage
	// HandoffStarted is true when the backend accepted a handoff request on
	// this call; the caller starts polling for agent replies.
	HandoffStarted bool
}

// Pending returns the currently pending dialogue state, lazily clearing it
// when the confirmation window has elapsed.
func (f *IntentFlow) Pending(ctx context.Context, session Session, cfg *models.ChatbotConfig) (models.StateType, error) {
	participantID := session.ParticipantID()
	state, err := f.states.GetCurrentState(ctx, participantID, models.FlowTypeIntent)
	if err != nil {
		return "", err
	}
	if state == "" {
		return "", nil
	}

	var key models.DataKey
	switch state {
	case models.StateIntentProposalPending:
		key = models.DataKeyProposalPendingAt
	case models.StateIntentHandoffPending:
		key = models.DataKeyHandoffPendingAt
	case models.StateIntentTemplateChoice:
		key = models.DataKeyTemplateChoiceAt
	default:
		return "", nil
	}
	expired, err := f.expired(ctx, session, cfg, key)
	if err != nil {
		return "", err
	}
	if expired {
		slog.Debug("IntentFlow: pending dialogue expired, clearing", "participantID", participantID, "state", state)
		if err := f.states.ResetState(ctx, participantID, models.FlowTypeIntent); err != nil {
			return "", err
		}
		return "", nil
	}
	return state, nil
}

func (f *IntentFlow) expired(ctx context.Context, session Session, cfg *models.ChatbotConfig, key models.DataKey) (bool, error) {
	raw, err := f.states.GetStateData(ctx, session.ParticipantID(), models.FlowTypeIntent, key)
	if err != nil {
		return false, err
	}
	askedAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// No usable timestamp: treat as expired rather than pinning the
		// dialogue open forever.
		return true, nil
	}
	timeout := time.Duration(cfg.ConfirmTimeoutMinutes) * time.Minute
	return f.now().UnixMilli()-askedAt > timeout.Milliseconds(), nil
}

// DetectAndAsk inspects the user message that preceded the latest bot reply.
// A fuzzy keyword hit opens the matching dialogue and returns the
// confirmation question; nil means nothing matched.
func (f *IntentFlow) DetectAndAsk(ctx context.Context, session Session, cfg *models.ChatbotConfig, userText string) (*models.ChatMessage, error) {
	pending, err := f.Pending(ctx, session, cfg)
	if err != nil {
		return nil, err
	}
	if pending != "" {
		return nil, nil
	}
	participantID := session.ParticipantID()
	now := strconv.FormatInt(f.now().UnixMilli(), 10)

	if cfg.ProposalEnabled && f.matcher.MatchAny(userText, cfg.ProposalKeywords) {
		if err := f.states.SetCurrentState(ctx, participantID, models.FlowTypeIntent, models.StateIntentProposalPending); err != nil {
			return nil, err
		}
		if err := f.states.SetStateData(ctx, participantID, models.FlowTypeIntent, models.DataKeyProposalPendingAt, now); err != nil {
			return nil, err
		}
		slog.Info("IntentFlow: proposal intent detected", "participantID", participantID)
		msg := models.NewBotMessage(cfg.ProposalConfirmText)
		return &msg, nil
	}
	if cfg.HandoffEnabled && f.matcher.MatchAny(userText, cfg.HandoffKeywords) {
		if err := f.states.SetCurrentState(ctx, participantID, models.FlowTypeIntent, models.StateIntentHandoffPending); err != nil {
			return nil, err
		}
		if err := f.states.SetStateData(ctx, participantID, models.FlowTypeIntent, models.DataKeyHandoffPendingAt, now); err != nil {
			return nil, err
		}
		slog.Info("IntentFlow: handoff intent detected", "participantID", participantID)
		msg := models.NewBotMessage(cfg.HandoffConfirmText)
		return &msg, nil
	}
	return nil, nil
}

// Resolve classifies the reply to a pending proposal or handoff question.
// phone is the session's verified phone, forwarded to the side-effecting
// endpoints. templates are the chatbot's proposal templates.
func (f *IntentFlow) Resolve(ctx context.Context, session Session, cfg *models.ChatbotConfig, text, phone string, templates []models.EmailTemplate) (*IntentResult, error) {
	state, err := f.Pending(ctx, session, cfg)
	if err != nil {
		return nil, err
	}
	participantID := session.ParticipantID()

	switch state {
	case models.StateIntentProposalPending, models.StateIntentHandoffPending:
	case "":
		// Expired or never asked: fall through.
		return &IntentResult{}, nil
	default:
		return nil, fmt.Errorf("no confirmation pending (state %q)", state)
	}

	positive := f.matcher.MatchAny(text, cfg.PositiveResponses)
	negative := !positive && f.matcher.MatchAny(text, cfg.NegativeResponses)

	if !positive && !negative {
		// Neither yes nor no: drop the question silently and let the message
		// fall through. It is not re-processed as the original intent.
		if err := f.states.ResetState(ctx, participantID, models.FlowTypeIntent); err != nil {
			return nil, err
		}
		slog.Debug("IntentFlow.Resolve: unclassified reply, clearing dialogue", "participantID", participantID)
		return &IntentResult{}, nil
	}

	if negative {
		if err := f.states.ResetState(ctx, participantID, models.FlowTypeIntent); err != nil {
			return nil, err
		}
		return &IntentResult{
			Handled:  true,
			Messages: []models.ChatMessage{models.NewBotMessage("No problem! Just ask whenever you're ready.")},
		}, nil
	}

	if state == models.StateIntentHandoffPending {
		return f.confirmHandoff(ctx, session, phone)
	}
	return f.confirmProposal(ctx, session, cfg, phone, templates)
}

func (f *IntentFlow) confirmHandoff(ctx context.Context, session Session, phone string) (*IntentResult, error) {
	participantID := session.ParticipantID()
	if err := f.states.ResetState(ctx, participantID, models.FlowTypeIntent); err != nil {
		return nil, err
	}
	if err := f.backend.RequestHandoff(ctx, session.ChatbotID, session.SessionID, phone); err != nil {
		slog.Error("IntentFlow.confirmHandoff failed", "error", err, "participantID", participantID)
		return &IntentResult{
			Handled:  true,
			Messages: []models.ChatMessage{models.NewBotMessage("Sorry, we couldn't reach an agent right now. Please try again later.")},
		}, nil
	}
	slog.Info("IntentFlow: handoff requested", "participantID", participantID)
	return &IntentResult{
		Handled:        true,
		HandoffStarted: true,
		Messages:       []models.ChatMessage{models.NewBotMessage("You're connected! A human agent will reply here shortly.")},
	}, nil
}

func (f *IntentFlow) confirmProposal(ctx context.Context, session Session, cfg *models.ChatbotConfig, phone string, templates []models.EmailTemplate) (*IntentResult, error) {
	participantID := session.ParticipantID()

	// With several eligible templates and explicit choice required, move to
	// the third phase instead of sending immediately.
	if cfg.RequireTemplateChoice && len(templates) > 1 {
		raw, err := json.Marshal(templates)
		if err != nil {
			return nil, err
		}
		if err := f.states.SetCurrentState(ctx, participantID, models.FlowTypeIntent, models.StateIntentTemplateChoice); err != nil {
			return nil, err
		}
		if err := f.states.SetStateData(ctx, participantID, models.FlowTypeIntent, models.DataKeyTemplateChoices, string(raw)); err != nil {
			return nil, err
		}
		now := strconv.FormatInt(f.now().UnixMilli(), 10)
		if err := f.states.SetStateData(ctx, participantID, models.FlowTypeIntent, models.DataKeyTemplateChoiceAt, now); err != nil {
			return nil, err
		}
		return &IntentResult{
			Handled:  true,
			Messages: []models.ChatMessage{models.NewBotMessage(renderTemplateList(templates))},
		}, nil
	}

	if err := f.states.ResetState(ctx, participantID, models.FlowTypeIntent); err != nil {
		return nil, err
	}
	templateID := ""
	if len(templates) > 0 {
		templateID = templates[0].ID
	}
	return f.sendProposal(ctx, session, phone, templateID)
}

// HandleTemplateChoice resolves the template-choice phase: a 1-based index or
// an exact template name. An invalid choice re-prompts with the same list.
func (f *IntentFlow) HandleTemplateChoice(ctx context.Context, session Session, cfg *models.ChatbotConfig, text, phone string) (*IntentResult, error) {
	state, err := f.Pending(ctx, session, cfg)
	if err != nil {
		return nil, err
	}
	if state != models.StateIntentTemplateChoice {
		return &IntentResult{}, nil
	}
	participantID := session.ParticipantID()

	raw, err := f.states.GetStateData(ctx, participantID, models.FlowTypeIntent, models.DataKeyTemplateChoices)
	if err != nil {
		return nil, err
	}
	var templates []models.EmailTemplate
	if err := json.Unmarshal([]byte(raw), &templates); err != nil || len(templates) == 0 {
		slog.Error("IntentFlow: corrupt template choices, clearing dialogue", "error", err, "participantID", participantID)
		if err := f.states.ResetState(ctx, participantID, models.FlowTypeIntent); err != nil {
			return nil, err
		}
		return &IntentResult{}, nil
	}

	chosen := pickTemplate(templates, text)
	if chosen == nil {
		return &IntentResult{
			Handled: true,
			Messages: []models.ChatMessage{
				models.NewBotMessage("Please pick one of the options by number or name.\n\n" + renderTemplateList(templates)),
			},
		}, nil
	}

	if err := f.states.ResetState(ctx, participantID, models.FlowTypeIntent); err != nil {
		return nil, err
	}
	return f.sendProposal(ctx, session, phone, chosen.ID)
}

func (f *IntentFlow) sendProposal(ctx context.Context, session Session, phone, templateID string) (*IntentResult, error) {
	if err := f.backend.SendProposal(ctx, session.ChatbotID, phone, templateID); err != nil {
		slog.Error("IntentFlow.sendProposal failed", "error", err, "participantID", session.ParticipantID())
		return &IntentResult{
			Handled:  true,
			Messages: []models.ChatMessage{models.NewBotMessage("Sorry, we couldn't send the proposal right now. Please try again later.")},
		}, nil
	}
	slog.Info("IntentFlow: proposal sent", "participantID", session.ParticipantID(), "templateID", templateID)
	return &IntentResult{
		Handled:  true,
		Messages: []models.ChatMessage{models.NewBotMessage("Done! The proposal is on its way to you.")},
	}, nil
}

// pickTemplate matches text as a 1-based index or exact (case-insensitive)
// template name.
func pickTemplate(templates []models.EmailTemplate, text string) *models.EmailTemplate {
	trimmed := strings.TrimSpace(text)
	if idx, err := strconv.Atoi(trimmed); err == nil {
		if idx >= 1 && idx <= len(templates) {
			return &templates[idx-1]
		}
		return nil
	}
	for i := range templates {
		if strings.EqualFold(templates[i].Name, trimmed) {
			return &templates[i]
		}
	}
	return nil
}

func renderTemplateList(templates []models.EmailTemplate) string {
	var b strings.Builder
	b.WriteString("Which proposal would you like?\n")
	for i, tpl := range templates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, tpl.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}
