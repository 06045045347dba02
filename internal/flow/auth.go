package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/troikalabs/chatflow/internal/backend"
	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/otp"
	"github.com/troikalabs/chatflow/internal/store"
)

// maxOTPAttempts bounds wrong-code submissions before the flow falls back to
// asking for the phone number again.
const maxOTPAttempts = 5

// dataKeyLocalOTP marks that the current code was issued by the local OTP
// service rather than the platform.
const dataKeyLocalOTP models.DataKey = "local_otp"

// AuthFlow drives the inline phone/OTP verification state machine:
// AUTH_ASKING_PHONE -> AUTH_ASKING_OTP -> AUTH_VERIFIED.
type AuthFlow struct {
	states  StateManager
	store   store.Store
	backend BackendClient
	local   *otp.Service // fallback when the platform OTP endpoints fail; may be nil
}

// NewAuthFlow creates the auth flow. local may be nil when no Twilio fallback
// is configured.
func NewAuthFlow(states StateManager, st store.Store, client BackendClient, local *otp.Service) *AuthFlow {
	return &AuthFlow{states: states, store: st, backend: client, local: local}
}

// AuthResult is the outcome of feeding one user message into the auth flow.
type AuthResult struct {
	// Messages are the bot messages to append, in order.
	Messages []models.ChatMessage
	// Verified is true once the OTP was accepted on this call.
	Verified bool
	// QueuedMessage, when non-empty after verification, is the user message
	// that originally triggered the auth gate and should be replayed.
	QueuedMessage string
}

// State returns the session's current auth state, or "" when the flow has not
// started.
func (f *AuthFlow) State(ctx context.Context, session Session) (models.StateType, error) {
	return f.states.GetCurrentState(ctx, session.ParticipantID(), models.FlowTypeAuth)
}

// Verified reports whether the session holds usable credentials. A token
// within its local expiry is trusted without a network call. Past local
// expiry the backend is consulted, and only an explicit 401 rejects the
// token; transport and server failures keep the session verified
// (availability over strictness).
func (f *AuthFlow) Verified(ctx context.Context, session Session) (bool, *models.AuthCredentials, error) {
	creds, err := f.store.GetAuthCredentials(session.ChatbotID, session.SessionID)
	if err != nil {
		return false, nil, err
	}
	if creds == nil {
		return false, nil, nil
	}
	if !creds.Expired(time.Now()) {
		return true, creds, nil
	}

	switch err := f.backend.ValidateToken(ctx, creds.Token); {
	case err == nil:
		return true, creds, nil
	case errors.Is(err, backend.ErrUnauthorized):
		slog.Info("AuthFlow.Verified: expired token rejected by backend", "participantID", session.ParticipantID())
		if err := f.store.DeleteAuthCredentials(session.ChatbotID, session.SessionID); err != nil {
			return false, nil, err
		}
		return false, nil, nil
	default:
		slog.Warn("AuthFlow.Verified: token validation unreachable, trusting cached token", "error", err, "participantID", session.ParticipantID())
		return true, creds, nil
	}
}

// ShouldTrigger reports whether the auth gate should activate for the next
// user message: auth enabled, message threshold reached, not yet verified,
// and the phone prompt not already sent this session.
func (f *AuthFlow) ShouldTrigger(ctx context.Context, session Session, cfg *models.AuthConfig) (bool, error) {
	if cfg == nil || !cfg.Enabled {
		return false, nil
	}
	verified, _, err := f.Verified(ctx, session)
	if err != nil {
		return false, err
	}
	if verified {
		return false, nil
	}
	participantID := session.ParticipantID()
	promptSent, err := f.states.GetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyPhonePromptSent)
	if err != nil {
		return false, err
	}
	if promptSent == "1" {
		return false, nil
	}
	counters, err := f.store.GetCounters(session.ChatbotID, session.SessionID)
	if err != nil {
		return false, err
	}
	return counters.UserMessages >= cfg.TriggerMessageCount, nil
}

// Trigger starts the flow: records the prompt-sent idempotency flag, queues
// the message that tripped the gate for replay after verification, and
// returns the phone prompt.
func (f *AuthFlow) Trigger(ctx context.Context, session Session, cfg *models.AuthConfig, queuedText string) (models.ChatMessage, error) {
	participantID := session.ParticipantID()
	if err := f.states.SetCurrentState(ctx, participantID, models.FlowTypeAuth, models.StateAuthAskingPhone); err != nil {
		return models.ChatMessage{}, err
	}
	if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyPhonePromptSent, "1"); err != nil {
		return models.ChatMessage{}, err
	}
	if queuedText != "" {
		if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyQueuedMessage, queuedText); err != nil {
			return models.ChatMessage{}, err
		}
	}
	slog.Info("AuthFlow.Trigger: phone prompt issued", "participantID", participantID)
	return models.NewBotMessage(cfg.PhonePromptText), nil
}

// HandleInput advances the flow with one user message. It only returns an
// error for storage failures; delivery and verification problems become bot
// messages.
func (f *AuthFlow) HandleInput(ctx context.Context, session Session, cfg *models.AuthConfig, text string) (*AuthResult, error) {
	state, err := f.State(ctx, session)
	if err != nil {
		return nil, err
	}
	switch state {
	case models.StateAuthAskingPhone:
		return f.handlePhone(ctx, session, cfg, text)
	case models.StateAuthAskingOTP:
		return f.handleOTP(ctx, session, cfg, text)
	default:
		return nil, fmt.Errorf("auth flow not active (state %q)", state)
	}
}

func (f *AuthFlow) handlePhone(ctx context.Context, session Session, cfg *models.AuthConfig, text string) (*AuthResult, error) {
	participantID := session.ParticipantID()

	phone, ok := ExtractPhone(text)
	if !ok {
		// Keep the blocked free-text around: it is replayed once the user
		// verifies, so their original question isn't lost.
		if len(strings.Fields(text)) > 2 {
			if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyQueuedMessage, text); err != nil {
				return nil, err
			}
		}
		slog.Debug("AuthFlow.handlePhone: invalid phone", "participantID", participantID)
		return &AuthResult{Messages: []models.ChatMessage{
			models.NewBotMessage("That doesn't look like a valid 10-digit mobile number. Please try again."),
		}}, nil
	}

	local := false
	if err := f.backend.SendOTP(ctx, session.ChatbotID, phone, cfg.Channel); err != nil {
		slog.Error("AuthFlow.handlePhone: platform OTP send failed", "error", err, "participantID", participantID)
		if f.local == nil {
			return &AuthResult{Messages: []models.ChatMessage{
				models.NewBotMessage("We couldn't send a verification code right now. Please try again in a moment."),
			}}, nil
		}
		if err := f.local.Send(ctx, phone); err != nil {
			slog.Error("AuthFlow.handlePhone: local OTP send failed", "error", err, "participantID", participantID)
			return &AuthResult{Messages: []models.ChatMessage{
				models.NewBotMessage("We couldn't send a verification code right now. Please try again in a moment."),
			}}, nil
		}
		local = true
	}

	if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyVerifiedPhone, phone); err != nil {
		return nil, err
	}
	if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyOTPAttempts, "0"); err != nil {
		return nil, err
	}
	localFlag := "0"
	if local {
		localFlag = "1"
	}
	if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, dataKeyLocalOTP, localFlag); err != nil {
		return nil, err
	}
	if err := f.states.TransitionState(ctx, participantID, models.FlowTypeAuth, models.StateAuthAskingPhone, models.StateAuthAskingOTP); err != nil {
		return nil, err
	}
	return &AuthResult{Messages: []models.ChatMessage{models.NewBotMessage(cfg.OTPPromptText)}}, nil
}

func (f *AuthFlow) handleOTP(ctx context.Context, session Session, cfg *models.AuthConfig, text string) (*AuthResult, error) {
	participantID := session.ParticipantID()

	code, ok := ExtractOTP(text)
	if !ok {
		return &AuthResult{Messages: []models.ChatMessage{
			models.NewBotMessage("Please enter the 6-digit code exactly as you received it."),
		}}, nil
	}

	phone, err := f.states.GetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyVerifiedPhone)
	if err != nil {
		return nil, err
	}

	creds, verifyErr := f.verifyCode(ctx, session, phone, code, cfg.Channel)
	if verifyErr != nil {
		slog.Error("AuthFlow.handleOTP: verification transport failed", "error", verifyErr, "participantID", participantID)
		return &AuthResult{Messages: []models.ChatMessage{
			models.NewBotMessage("We couldn't verify the code right now. Please try again."),
		}}, nil
	}
	if creds == nil {
		return f.wrongCode(ctx, session, cfg)
	}

	if err := f.store.SaveAuthCredentials(session.ChatbotID, session.SessionID, *creds); err != nil {
		return nil, err
	}
	queued, err := f.states.GetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyQueuedMessage)
	if err != nil {
		return nil, err
	}
	if err := f.states.SetCurrentState(ctx, participantID, models.FlowTypeAuth, models.StateAuthVerified); err != nil {
		return nil, err
	}
	slog.Info("AuthFlow.handleOTP: session verified", "participantID", participantID)
	return &AuthResult{
		Messages:      []models.ChatMessage{models.NewBotMessage(cfg.VerifiedText)},
		Verified:      true,
		QueuedMessage: queued,
	}, nil
}

// verifyCode checks the code with whichever service issued it. A wrong code
// returns (nil, nil).
func (f *AuthFlow) verifyCode(ctx context.Context, session Session, phone, code, channel string) (*models.AuthCredentials, error) {
	participantID := session.ParticipantID()
	localFlag, err := f.states.GetStateData(ctx, participantID, models.FlowTypeAuth, dataKeyLocalOTP)
	if err != nil {
		return nil, err
	}
	// The local flag can outlive the service that issued the code: auth state
	// survives restarts, Twilio configuration may not. Without the service
	// the code falls through to the platform verify, which rejects it and
	// leads back to a fresh send.
	if localFlag == "1" && f.local != nil {
		creds, err := f.local.Verify(phone, code)
		switch err {
		case nil:
			return creds, nil
		case otp.ErrWrongCode, otp.ErrTooManyAttempts, otp.ErrExpired, otp.ErrNotFound, otp.ErrAlreadyUsed:
			return nil, nil
		default:
			return nil, err
		}
	}
	token, err := f.backend.VerifyOTP(ctx, session.ChatbotID, phone, code, channel)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, nil
	}
	return &models.AuthCredentials{
		Phone:     phone,
		Token:     token.Token,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// wrongCode counts a failed attempt; past the limit the flow restarts from
// the phone prompt.
func (f *AuthFlow) wrongCode(ctx context.Context, session Session, cfg *models.AuthConfig) (*AuthResult, error) {
	participantID := session.ParticipantID()
	raw, err := f.states.GetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyOTPAttempts)
	if err != nil {
		return nil, err
	}
	attempts, _ := strconv.Atoi(raw)
	attempts++
	if attempts >= maxOTPAttempts {
		slog.Info("AuthFlow: OTP attempt limit reached, restarting from phone prompt", "participantID", participantID, "attempts", attempts)
		if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyOTPAttempts, "0"); err != nil {
			return nil, err
		}
		if err := f.states.TransitionState(ctx, participantID, models.FlowTypeAuth, models.StateAuthAskingOTP, models.StateAuthAskingPhone); err != nil {
			return nil, err
		}
		return &AuthResult{Messages: []models.ChatMessage{
			models.NewBotMessage("Too many incorrect codes. Let's start over - " + cfg.PhonePromptText),
		}}, nil
	}
	if err := f.states.SetStateData(ctx, participantID, models.FlowTypeAuth, models.DataKeyOTPAttempts, strconv.Itoa(attempts)); err != nil {
		return nil, err
	}
	slog.Debug("AuthFlow: wrong OTP", "participantID", participantID, "attempts", attempts)
	return &AuthResult{Messages: []models.ChatMessage{
		models.NewBotMessage("That code doesn't match. Please check and try again."),
	}}, nil
}
