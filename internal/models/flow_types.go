package models

import "errors"

// FlowType identifies a conversation flow a session can participate in.
type FlowType string

// StateType identifies a state within a flow's state machine.
type StateType string

// DataKey identifies a piece of state data stored alongside a flow state.
type DataKey string

// Flow type constants
const (
	// FlowTypeAuth is the inline phone/OTP verification flow.
	FlowTypeAuth FlowType = "inline_auth"
	// FlowTypeLead is the lead-collection flow.
	FlowTypeLead FlowType = "lead_collection"
	// FlowTypeIntent is the proposal/handoff/template confirm-deny dialogue flow.
	FlowTypeIntent FlowType = "intent_dialogue"
)

// Inline auth flow states
const (
	StateAuthAskingPhone StateType = "AUTH_ASKING_PHONE"
	StateAuthAskingOTP   StateType = "AUTH_ASKING_OTP"
	StateAuthVerified    StateType = "AUTH_VERIFIED"
)

// Lead collection flow states
const (
	StateLeadIntentDetected StateType = "LEAD_INTENT_DETECTED"
	StateLeadAskingName     StateType = "LEAD_ASKING_NAME"
	StateLeadAskingPhone    StateType = "LEAD_ASKING_PHONE"
	StateLeadAskingEmail    StateType = "LEAD_ASKING_EMAIL"
	StateLeadAskingCompany  StateType = "LEAD_ASKING_COMPANY"
	StateLeadCollecting     StateType = "LEAD_COLLECTING"
	StateLeadCompleted      StateType = "LEAD_COMPLETED"
)

// Intent dialogue flow states
const (
	StateIntentProposalPending StateType = "PROPOSAL_PENDING"
	StateIntentHandoffPending  StateType = "HANDOFF_PENDING"
	StateIntentTemplateChoice  StateType = "TEMPLATE_CHOICE"
)

// Data key constants for flow state data
const (
	// DataKeyPhonePromptSent marks that the phone prompt was already shown.
	DataKeyPhonePromptSent DataKey = "phone_prompt_sent"
	// DataKeyQueuedMessage holds the user message that triggered auth, replayed after verification.
	DataKeyQueuedMessage DataKey = "queued_message"
	// DataKeyOTPAttempts counts failed OTP submissions in the current round.
	DataKeyOTPAttempts DataKey = "otp_attempts"
	// DataKeyVerifiedPhone is the phone number the OTP was sent to.
	DataKeyVerifiedPhone DataKey = "verified_phone"
	// DataKeyLeadData is the JSON-encoded LeadData accumulated so far.
	DataKeyLeadData DataKey = "lead_data"
	// DataKeyLeadField is the name of the field currently being asked for.
	DataKeyLeadField DataKey = "lead_field"
	// DataKeyProposalPendingAt is the unix-milli timestamp the proposal question was asked.
	DataKeyProposalPendingAt DataKey = "proposal_pending_at"
	// DataKeyHandoffPendingAt is the unix-milli timestamp the handoff question was asked.
	DataKeyHandoffPendingAt DataKey = "handoff_pending_at"
	// DataKeyTemplateChoices is the JSON-encoded list of template names offered.
	DataKeyTemplateChoices DataKey = "template_choices"
	// DataKeyTemplateChoiceAt is the unix-milli timestamp the template list was offered.
	DataKeyTemplateChoiceAt DataKey = "template_choice_at"
)

// Error variables for flow state operations
var (
	ErrEmptyParticipantID = errors.New("participant id cannot be empty")
	ErrEmptyFlowType      = errors.New("flow type cannot be empty")
	ErrEmptyStateType     = errors.New("state type cannot be empty")
	ErrEmptyDataKey       = errors.New("data key cannot be empty")
)

// FlowState captures a session's current position within one flow, plus any
// state data the flow has attached.
type FlowState struct {
	ParticipantID string             `json:"participant_id"`
	FlowType      FlowType           `json:"flow_type"`
	CurrentState  StateType          `json:"current_state"`
	StateData     map[DataKey]string `json:"state_data,omitempty"`
	CreatedAt     int64              `json:"created_at"`
	UpdatedAt     int64              `json:"updated_at"`
}

// Validate performs validation on a FlowState.
func (f *FlowState) Validate() error {
	if f.ParticipantID == "" {
		return ErrEmptyParticipantID
	}
	if f.FlowType == "" {
		return ErrEmptyFlowType
	}
	if f.CurrentState == "" {
		return ErrEmptyStateType
	}
	return nil
}
