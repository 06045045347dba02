package models

// ChatRequest is the body of POST /chat/message.
type ChatRequest struct {
	ChatbotID string `json:"chatbot_id"`
	SessionID string `json:"session_id"`
	Tab       string `json:"tab,omitempty"`
	Message   string `json:"message"`
}

// DefaultTab is used when a request does not name a tab.
const DefaultTab = "default"

// Validate checks required fields and bounds, filling the default tab.
func (r *ChatRequest) Validate() error {
	if r.ChatbotID == "" {
		return ErrEmptyChatbotID
	}
	if r.SessionID == "" {
		return ErrEmptySessionID
	}
	if r.Tab == "" {
		r.Tab = DefaultTab
	}
	if len(r.Tab) > MaxTabIDLength {
		return ErrTabTooLong
	}
	if r.Message == "" {
		return ErrEmptyMessageText
	}
	if len(r.Message) > MaxMessageTextLength {
		return ErrMessageTextTooLong
	}
	return nil
}

// NewChatRequest is the body of POST /chat/new. PreviousSessionID, when set,
// names a session whose histories and flow state are cleared.
type NewChatRequest struct {
	ChatbotID         string `json:"chatbot_id"`
	PreviousSessionID string `json:"previous_session_id,omitempty"`
}

// Validate checks required fields.
func (r *NewChatRequest) Validate() error {
	if r.ChatbotID == "" {
		return ErrEmptyChatbotID
	}
	return nil
}

// TTSRequest is the body of POST /chat/tts.
type TTSRequest struct {
	ChatbotID string `json:"chatbot_id"`
	Text      string `json:"text"`
}

// Validate checks required fields and bounds.
func (r *TTSRequest) Validate() error {
	if r.ChatbotID == "" {
		return ErrEmptyChatbotID
	}
	if r.Text == "" {
		return ErrEmptyMessageText
	}
	if len(r.Text) > MaxMessageTextLength {
		return ErrMessageTextTooLong
	}
	return nil
}

// TranscriptRequest is the body of POST /chat/transcript.
type TranscriptRequest struct {
	ChatbotID string `json:"chatbot_id"`
	SessionID string `json:"session_id"`
	Tab       string `json:"tab,omitempty"`
}

// Validate checks required fields, filling the default tab.
func (r *TranscriptRequest) Validate() error {
	if r.ChatbotID == "" {
		return ErrEmptyChatbotID
	}
	if r.SessionID == "" {
		return ErrEmptySessionID
	}
	if r.Tab == "" {
		r.Tab = DefaultTab
	}
	return nil
}
