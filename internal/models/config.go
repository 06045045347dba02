package models

// ChatbotConfig is the per-chatbot behavior configuration. It is fetched from
// the upstream admin API; every field tolerates being absent, with defaults
// applied client-side via ApplyDefaults.
type ChatbotConfig struct {
	ChatbotID string `json:"chatbot_id"`

	// SystemPrompt seeds the direct-LLM fallback reply path.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Lead collection
	LeadEnabled      bool              `json:"lead_enabled"`
	LeadKeywords     []string          `json:"lead_keywords,omitempty"`
	RequiredFields   []string          `json:"required_fields,omitempty"`
	OptionalFields   []string          `json:"optional_fields,omitempty"`
	LeadPrompts      map[string]string `json:"lead_prompts,omitempty"`
	LeadSuccessText  string            `json:"lead_success_text,omitempty"`

	// Intent dialogues
	ProposalEnabled        bool     `json:"proposal_enabled"`
	ProposalKeywords       []string `json:"proposal_keywords,omitempty"`
	ProposalConfirmText    string   `json:"proposal_confirm_text,omitempty"`
	HandoffEnabled         bool     `json:"handoff_enabled"`
	HandoffKeywords        []string `json:"handoff_keywords,omitempty"`
	HandoffConfirmText     string   `json:"handoff_confirm_text,omitempty"`
	PositiveResponses      []string `json:"positive_responses,omitempty"`
	NegativeResponses      []string `json:"negative_responses,omitempty"`
	ConfirmTimeoutMinutes  int      `json:"timeout_minutes,omitempty"`
	RequireTemplateChoice  bool     `json:"require_template_choice,omitempty"`
}

// AuthConfig controls the inline phone/OTP verification flow.
type AuthConfig struct {
	Enabled             bool   `json:"auth_enabled"`
	TriggerMessageCount int    `json:"auth_trigger_message_count,omitempty"`
	PhonePromptText     string `json:"phone_prompt_text,omitempty"`
	OTPPromptText       string `json:"otp_prompt_text,omitempty"`
	VerifiedText        string `json:"verified_text,omitempty"`
	Channel             string `json:"channel,omitempty"` // "sms" or "whatsapp"
}

// EmailTemplate is one proposal template the chatbot can send.
type EmailTemplate struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
}

// Default prompt and keyword values applied when the upstream config omits them.
const (
	DefaultPhonePrompt    = "Before we continue, could you share your phone number so we can verify you?"
	DefaultOTPPrompt      = "We sent a 6-digit code to your phone. Please enter it here."
	DefaultVerifiedText   = "Thanks, you're verified! How can I help you today?"
	DefaultLeadSuccess    = "Thanks! Our team will reach out to you shortly."
	DefaultProposalAsk    = "It sounds like you'd like a proposal. Should I send one over?"
	DefaultHandoffAsk     = "Would you like me to connect you with a human agent?"
	DefaultConfirmTimeout = 5 // minutes
	DefaultSystemPrompt   = "You are a helpful assistant for this website. Answer concisely and accurately."
)

// DefaultLeadPrompts maps a lead field name to the question asked for it.
var DefaultLeadPrompts = map[string]string{
	"name":    "Great! May I have your name?",
	"phone":   "Thanks! What's the best phone number to reach you on?",
	"email":   "And your email address?",
	"company": "Which company are you with? (type skip if not applicable)",
}

// DefaultPositiveResponses classify a confirmation reply as an acceptance.
var DefaultPositiveResponses = []string{"yes", "ok", "okay", "sure", "yeah", "yep", "please", "go ahead"}

// DefaultNegativeResponses classify a confirmation reply as a decline.
var DefaultNegativeResponses = []string{"no", "nope", "not now", "later", "don't", "cancel"}

// DefaultRequiredFields is the lead field set used when the config names none.
var DefaultRequiredFields = []string{"name", "phone", "email"}

// ApplyDefaults fills zero-valued fields with their documented defaults.
// Safe to call on configs decoded from partial upstream responses.
func (c *ChatbotConfig) ApplyDefaults() {
	if len(c.RequiredFields) == 0 {
		c.RequiredFields = append([]string(nil), DefaultRequiredFields...)
	}
	if c.LeadPrompts == nil {
		c.LeadPrompts = map[string]string{}
	}
	for field, prompt := range DefaultLeadPrompts {
		if c.LeadPrompts[field] == "" {
			c.LeadPrompts[field] = prompt
		}
	}
	if c.LeadSuccessText == "" {
		c.LeadSuccessText = DefaultLeadSuccess
	}
	if c.ProposalConfirmText == "" {
		c.ProposalConfirmText = DefaultProposalAsk
	}
	if c.HandoffConfirmText == "" {
		c.HandoffConfirmText = DefaultHandoffAsk
	}
	if len(c.PositiveResponses) == 0 {
		c.PositiveResponses = append([]string(nil), DefaultPositiveResponses...)
	}
	if len(c.NegativeResponses) == 0 {
		c.NegativeResponses = append([]string(nil), DefaultNegativeResponses...)
	}
	if c.ConfirmTimeoutMinutes <= 0 {
		c.ConfirmTimeoutMinutes = DefaultConfirmTimeout
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
}

// ApplyDefaults fills zero-valued auth fields with their documented defaults.
func (a *AuthConfig) ApplyDefaults() {
	if a.TriggerMessageCount <= 0 {
		a.TriggerMessageCount = 1
	}
	if a.PhonePromptText == "" {
		a.PhonePromptText = DefaultPhonePrompt
	}
	if a.OTPPromptText == "" {
		a.OTPPromptText = DefaultOTPPrompt
	}
	if a.VerifiedText == "" {
		a.VerifiedText = DefaultVerifiedText
	}
	if a.Channel == "" {
		a.Channel = "sms"
	}
}
