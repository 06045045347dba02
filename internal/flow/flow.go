// Package flow implements the conversation flow engine: the inline phone/OTP
// auth flow, the lead-collection flow, the proposal/handoff intent dialogues,
// and the controller that dispatches each user message to exactly one of them.
package flow

import (
	"context"
	"time"

	"github.com/troikalabs/chatflow/internal/backend"
	"github.com/troikalabs/chatflow/internal/models"
)

// Session identifies one widget conversation: a chatbot, a visitor session,
// and the tab the message arrived on.
type Session struct {
	ChatbotID string
	SessionID string
	Tab       string
}

// ParticipantID is the flow-state key for this session. Tab is deliberately
// excluded: flows span tabs within a session.
func (s Session) ParticipantID() string {
	return s.ChatbotID + ":" + s.SessionID
}

// HistoryKey returns the persistence key for this session's active tab.
func (s Session) HistoryKey() models.HistoryKey {
	return models.HistoryKey{ChatbotID: s.ChatbotID, SessionID: s.SessionID, Tab: s.Tab}
}

// StateManager defines the interface for managing flow state.
type StateManager interface {
	// GetCurrentState retrieves the current state for a participant in a flow
	GetCurrentState(ctx context.Context, participantID string, flowType models.FlowType) (models.StateType, error)

	// SetCurrentState updates the current state for a participant in a flow
	SetCurrentState(ctx context.Context, participantID string, flowType models.FlowType, state models.StateType) error

	// GetStateData retrieves additional data associated with the participant's state
	GetStateData(ctx context.Context, participantID string, flowType models.FlowType, key models.DataKey) (string, error)

	// SetStateData stores additional data associated with the participant's state
	SetStateData(ctx context.Context, participantID string, flowType models.FlowType, key models.DataKey, value string) error

	// TransitionState transitions from one state to another
	TransitionState(ctx context.Context, participantID string, flowType models.FlowType, fromState, toState models.StateType) error

	// ResetState removes all state data for a participant in a flow
	ResetState(ctx context.Context, participantID string, flowType models.FlowType) error
}

// Timer defines the interface for scheduling delayed actions.
type Timer interface {
	// ScheduleAfter schedules a function to run after a delay
	ScheduleAfter(delay time.Duration, fn func()) (string, error)

	// Cancel cancels a scheduled function by ID
	Cancel(id string) error

	// Stop cancels all scheduled functions
	Stop()
}

// BackendClient is the slice of the platform API the flows consume.
// backend.Client satisfies it; tests substitute mocks.
type BackendClient interface {
	StreamChat(ctx context.Context, req backend.StreamRequest, onDelta func(delta string)) (string, error)
	SendOTP(ctx context.Context, chatbotID, phone, channel string) error
	VerifyOTP(ctx context.Context, chatbotID, phone, code, channel string) (*backend.AuthToken, error)
	ValidateToken(ctx context.Context, token string) error
	CaptureLead(ctx context.Context, chatbotID string, lead models.LeadData) error
	SendProposal(ctx context.Context, chatbotID, phone, templateID string) error
	RequestHandoff(ctx context.Context, chatbotID, sessionID, phone string) error
}

// ConfigSource supplies per-chatbot configuration. backend.Client satisfies
// it directly; deployments typically wrap it in a cache.
type ConfigSource interface {
	FetchConfig(ctx context.Context, chatbotID string) (*models.ChatbotConfig, error)
	FetchAuthConfig(ctx context.Context, chatbotID string) (*models.AuthConfig, error)
	FetchEmailTemplates(ctx context.Context, chatbotID string) ([]models.EmailTemplate, error)
}
