package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/troikalabs/chatflow/internal/models"
)

// leadAutoResetDelay is how long a completed lead flow lingers before the
// state is cleared and a new collection can start.
const leadAutoResetDelay = 2 * time.Second

// leadFieldOrder is the canonical collection sequence. A field is asked only
// when the config names it as required or optional.
var leadFieldOrder = []string{"name", "phone", "email", "company"}

// leadFieldStates maps a field name to the state in which it is collected.
var leadFieldStates = map[string]models.StateType{
	"name":    models.StateLeadAskingName,
	"phone":   models.StateLeadAskingPhone,
	"email":   models.StateLeadAskingEmail,
	"company": models.StateLeadAskingCompany,
}

// LeadFlow drives the lead-collection state machine: keyword-triggered,
// strictly forward through the configured fields, aborted by a skip keyword
// at any asking state.
type LeadFlow struct {
	states  StateManager
	backend BackendClient
	timer   Timer
}

// NewLeadFlow creates the lead-collection flow.
func NewLeadFlow(states StateManager, client BackendClient, timer Timer) *LeadFlow {
	return &LeadFlow{states: states, backend: client, timer: timer}
}

// LeadResult is the outcome of feeding one user message into the flow.
type LeadResult struct {
	Messages  []models.ChatMessage
	Completed bool
	Aborted   bool
}

// State returns the session's current lead state, or "" when inactive.
func (f *LeadFlow) State(ctx context.Context, session Session) (models.StateType, error) {
	return f.states.GetCurrentState(ctx, session.ParticipantID(), models.FlowTypeLead)
}

// Active reports whether the flow is mid-collection. A COMPLETED flow counts
// as inactive: its auto-reset is pending and new input falls through.
func (f *LeadFlow) Active(ctx context.Context, session Session) (bool, error) {
	state, err := f.State(ctx, session)
	if err != nil {
		return false, err
	}
	switch state {
	case "", models.StateLeadCompleted:
		return false, nil
	default:
		return true, nil
	}
}

// fields returns the collection sequence for this config.
func (f *LeadFlow) fields(cfg *models.ChatbotConfig) []string {
	wanted := make(map[string]bool, len(cfg.RequiredFields)+len(cfg.OptionalFields))
	for _, field := range cfg.RequiredFields {
		wanted[field] = true
	}
	for _, field := range cfg.OptionalFields {
		wanted[field] = true
	}
	var out []string
	for _, field := range leadFieldOrder {
		if wanted[field] {
			out = append(out, field)
		}
	}
	return out
}

// Trigger starts collection and returns the prompt for the first field.
func (f *LeadFlow) Trigger(ctx context.Context, session Session, cfg *models.ChatbotConfig) (models.ChatMessage, error) {
	participantID := session.ParticipantID()
	fields := f.fields(cfg)
	if len(fields) == 0 {
		fields = models.DefaultRequiredFields
	}
	if err := f.states.SetCurrentState(ctx, participantID, models.FlowTypeLead, models.StateLeadIntentDetected); err != nil {
		return models.ChatMessage{}, err
	}
	first := fields[0]
	if err := f.states.TransitionState(ctx, participantID, models.FlowTypeLead, models.StateLeadIntentDetected, leadFieldStates[first]); err != nil {
		return models.ChatMessage{}, err
	}
	if err := f.states.SetStateData(ctx, participantID, models.FlowTypeLead, models.DataKeyLeadField, first); err != nil {
		return models.ChatMessage{}, err
	}
	slog.Info("LeadFlow.Trigger: collection started", "participantID", participantID, "firstField", first)
	return models.NewBotMessage(cfg.LeadPrompts[first]), nil
}

// HandleInput advances collection with one user message.
func (f *LeadFlow) HandleInput(ctx context.Context, session Session, cfg *models.ChatbotConfig, text string) (*LeadResult, error) {
	participantID := session.ParticipantID()

	if IsSkipKeyword(text) {
		// Collected data is discarded with the flow state.
		if err := f.states.ResetState(ctx, participantID, models.FlowTypeLead); err != nil {
			return nil, err
		}
		slog.Info("LeadFlow: collection aborted by skip keyword", "participantID", participantID)
		return &LeadResult{
			Aborted:  true,
			Messages: []models.ChatMessage{models.NewBotMessage("No problem, we can do this later. How else can I help?")},
		}, nil
	}

	field, err := f.states.GetStateData(ctx, participantID, models.FlowTypeLead, models.DataKeyLeadField)
	if err != nil {
		return nil, err
	}
	value, ok := extractLeadField(field, text)
	if !ok {
		return &LeadResult{Messages: []models.ChatMessage{models.NewBotMessage(leadErrorPrompt(field))}}, nil
	}

	lead, err := f.leadData(ctx, session)
	if err != nil {
		return nil, err
	}
	setLeadField(&lead, field, value)
	raw, err := json.Marshal(lead)
	if err != nil {
		return nil, err
	}
	if err := f.states.SetStateData(ctx, participantID, models.FlowTypeLead, models.DataKeyLeadData, string(raw)); err != nil {
		return nil, err
	}

	next := f.nextField(cfg, field)
	if next != "" {
		if err := f.states.TransitionState(ctx, participantID, models.FlowTypeLead, leadFieldStates[field], leadFieldStates[next]); err != nil {
			return nil, err
		}
		if err := f.states.SetStateData(ctx, participantID, models.FlowTypeLead, models.DataKeyLeadField, next); err != nil {
			return nil, err
		}
		return &LeadResult{Messages: []models.ChatMessage{models.NewBotMessage(cfg.LeadPrompts[next])}}, nil
	}

	// COLLECTING is only entered once every required field is present.
	if !lead.Complete(cfg.RequiredFields) {
		slog.Error("LeadFlow: fields exhausted but required set incomplete", "participantID", participantID, "required", cfg.RequiredFields)
		if err := f.states.ResetState(ctx, participantID, models.FlowTypeLead); err != nil {
			return nil, err
		}
		return &LeadResult{
			Aborted:  true,
			Messages: []models.ChatMessage{models.NewBotMessage("Something went wrong collecting your details. Let's try again later.")},
		}, nil
	}
	return f.submit(ctx, session, cfg, lead, field)
}

func (f *LeadFlow) submit(ctx context.Context, session Session, cfg *models.ChatbotConfig, lead models.LeadData, fromField string) (*LeadResult, error) {
	participantID := session.ParticipantID()
	if err := f.states.TransitionState(ctx, participantID, models.FlowTypeLead, leadFieldStates[fromField], models.StateLeadCollecting); err != nil {
		return nil, err
	}

	if err := f.backend.CaptureLead(ctx, session.ChatbotID, lead); err != nil {
		// Submission failures are not retried; the flow resets so the user
		// can start over.
		slog.Error("LeadFlow.submit: capture failed", "error", err, "participantID", participantID)
		if err := f.states.ResetState(ctx, participantID, models.FlowTypeLead); err != nil {
			return nil, err
		}
		return &LeadResult{
			Aborted:  true,
			Messages: []models.ChatMessage{models.NewBotMessage("Sorry, we couldn't save your details right now. Please try again later.")},
		}, nil
	}

	if err := f.states.TransitionState(ctx, participantID, models.FlowTypeLead, models.StateLeadCollecting, models.StateLeadCompleted); err != nil {
		return nil, err
	}
	// Completed state auto-resets shortly after so a fresh collection can
	// trigger later in the session.
	if _, err := f.timer.ScheduleAfter(leadAutoResetDelay, func() {
		if err := f.states.ResetState(context.Background(), participantID, models.FlowTypeLead); err != nil {
			slog.Error("LeadFlow: auto-reset failed", "error", err, "participantID", participantID)
		}
	}); err != nil {
		slog.Error("LeadFlow: auto-reset scheduling failed", "error", err, "participantID", participantID)
	}

	slog.Info("LeadFlow.submit: lead captured", "participantID", participantID)
	return &LeadResult{
		Completed: true,
		Messages:  []models.ChatMessage{models.NewBotMessage(cfg.LeadSuccessText)},
	}, nil
}

// leadData loads the partially collected record.
func (f *LeadFlow) leadData(ctx context.Context, session Session) (models.LeadData, error) {
	raw, err := f.states.GetStateData(ctx, session.ParticipantID(), models.FlowTypeLead, models.DataKeyLeadData)
	if err != nil {
		return models.LeadData{}, err
	}
	var lead models.LeadData
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &lead); err != nil {
			slog.Error("LeadFlow: corrupt lead data, starting fresh", "error", err, "participantID", session.ParticipantID())
			return models.LeadData{}, nil
		}
	}
	return lead, nil
}

// nextField returns the field after current in this config's sequence, or "".
func (f *LeadFlow) nextField(cfg *models.ChatbotConfig, current string) string {
	fields := f.fields(cfg)
	if len(fields) == 0 {
		fields = models.DefaultRequiredFields
	}
	for i, field := range fields {
		if field == current && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func extractLeadField(field, text string) (string, bool) {
	switch field {
	case "name":
		return ExtractName(text)
	case "phone":
		return ExtractPhone(text)
	case "email":
		return ExtractEmail(text)
	default:
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	}
}

func setLeadField(lead *models.LeadData, field, value string) {
	switch field {
	case "name":
		lead.Name = value
	case "phone":
		lead.Phone = value
	case "email":
		lead.Email = value
	case "company":
		lead.Company = value
	case "message":
		lead.Message = value
	}
}

func leadErrorPrompt(field string) string {
	switch field {
	case "name":
		return "Could you share your name? Two to fifty characters, please."
	case "phone":
		return "That doesn't look like a valid 10-digit mobile number. Please try again."
	case "email":
		return "That doesn't look like a valid email address. Please try again."
	default:
		return "Sorry, I didn't catch that. Could you try again?"
	}
}
