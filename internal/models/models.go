// Package models defines the core data structures for Chatflow.
//
// It includes chat message and session types shared across modules, plus the
// standard API response envelope used by the HTTP surface.
package models

import (
	"errors"
	"time"
)

// Sender identifies who produced a chat message.
type Sender string

const (
	// SenderUser is a message typed by the widget user.
	SenderUser Sender = "user"
	// SenderBot is a message produced by the assistant or the flow engine.
	SenderBot Sender = "bot"
	// SenderAgent is a message relayed from a human agent during handoff.
	SenderAgent Sender = "agent"
)

// IsValidSender checks if the given sender is supported.
func IsValidSender(s Sender) bool {
	switch s {
	case SenderUser, SenderBot, SenderAgent:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for message text
	MaxMessageTextLength = 8192
	// MaxTabIDLength defines the maximum allowed length for a tab identifier
	MaxTabIDLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptySessionID     = errors.New("session id cannot be empty")
	ErrEmptyChatbotID     = errors.New("chatbot id cannot be empty")
	ErrEmptyTab           = errors.New("tab cannot be empty")
	ErrEmptyMessageText   = errors.New("message text cannot be empty")
	ErrMessageTextTooLong = errors.New("message text exceeds maximum length")
	ErrTabTooLong         = errors.New("tab identifier exceeds maximum length")
	ErrInvalidSender      = errors.New("invalid sender")
)

// Suggestion is a quick-reply option attached to a bot message.
type Suggestion struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// ChatMessage is a single message in a tab's history. Messages are immutable
// once created; histories only ever append.
type ChatMessage struct {
	Sender      Sender            `json:"sender"`
	Text        string            `json:"text"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Suggestions []Suggestion      `json:"suggestions,omitempty"`
}

// NewBotMessage builds a bot message stamped with the current time.
func NewBotMessage(text string) ChatMessage {
	return ChatMessage{Sender: SenderBot, Text: text, Timestamp: time.Now()}
}

// NewUserMessage builds a user message stamped with the current time.
func NewUserMessage(text string) ChatMessage {
	return ChatMessage{Sender: SenderUser, Text: text, Timestamp: time.Now()}
}

// Validate performs validation on a ChatMessage.
func (m *ChatMessage) Validate() error {
	if !IsValidSender(m.Sender) {
		return ErrInvalidSender
	}
	if m.Text == "" {
		return ErrEmptyMessageText
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrMessageTextTooLong
	}
	return nil
}

// HistoryKey addresses one tab's message history. Keys are structured rather
// than concatenated strings so backends cannot collide on separators.
type HistoryKey struct {
	ChatbotID string
	SessionID string
	Tab       string
}

// Validate checks that all key components are present and within bounds.
func (k HistoryKey) Validate() error {
	if k.ChatbotID == "" {
		return ErrEmptyChatbotID
	}
	if k.SessionID == "" {
		return ErrEmptySessionID
	}
	if k.Tab == "" {
		return ErrEmptyTab
	}
	if len(k.Tab) > MaxTabIDLength {
		return ErrTabTooLong
	}
	return nil
}

// SessionCounters tracks per-session message counts, scoped by chatbot.
type SessionCounters struct {
	UserMessages int `json:"user_messages"`
	BotMessages  int `json:"bot_messages"`
}

// AuthCredentials is the verified identity persisted for a session after the
// inline OTP flow completes. IssuedAt/ExpiresAt are milliseconds since epoch,
// as returned by the verify endpoint.
type AuthCredentials struct {
	Phone     string `json:"phone"`
	Token     string `json:"token"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Expired reports whether the locally cached token is past its expiry.
func (c AuthCredentials) Expired(now time.Time) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return now.UnixMilli() >= c.ExpiresAt
}

// LeadData is the record accumulated field-by-field during lead collection.
type LeadData struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
	Message string `json:"message,omitempty"`
}

// Field returns the named field's current value; unknown names are empty.
func (d LeadData) Field(name string) string {
	switch name {
	case "name":
		return d.Name
	case "phone":
		return d.Phone
	case "email":
		return d.Email
	case "company":
		return d.Company
	case "message":
		return d.Message
	default:
		return ""
	}
}

// Complete reports whether every required field is a non-empty string.
func (d LeadData) Complete(required []string) bool {
	for _, f := range required {
		if d.Field(f) == "" {
			return false
		}
	}
	return true
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
