// Package otp implements a local phone verification service used when the
// platform's OTP endpoints are unavailable. Codes are generated with
// crypto/rand, delivered over a pluggable sender (Twilio SMS or WhatsApp),
// and verified against an in-memory table with expiry and attempt limits.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troikalabs/chatflow/internal/models"
)

// Error variables for OTP verification outcomes.
var (
	ErrNotFound        = errors.New("no active otp for phone")
	ErrExpired         = errors.New("otp expired")
	ErrAlreadyUsed     = errors.New("otp already used")
	ErrTooManyAttempts = errors.New("too many verification attempts")
	ErrWrongCode       = errors.New("incorrect otp code")
)

const (
	// codeExpiry is how long an issued code stays valid.
	codeExpiry = 10 * time.Minute
	// maxAttempts bounds wrong-code submissions per issued code.
	maxAttempts = 3
	// tokenLifetime is the validity of locally issued session tokens.
	tokenLifetime = 24 * time.Hour
)

// Sender delivers an OTP message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// GenerateCode returns a cryptographically secure 6-digit code.
func GenerateCode() (string, error) {
	max := big.NewInt(999999)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate random number: %w", err)
	}
	// Add 1 to avoid 0 and pad with leading zeros to ensure 6 digits
	return fmt.Sprintf("%06d", n.Int64()+1), nil
}

type entry struct {
	code      string
	expiresAt time.Time
	attempts  int
	used      bool
}

// Service issues, delivers, and verifies OTP codes.
type Service struct {
	mu     sync.Mutex
	codes  map[string]*entry
	sender Sender
	now    func() time.Time
}

// NewService creates an OTP service delivering codes via sender.
func NewService(sender Sender) *Service {
	return &Service{
		codes:  make(map[string]*entry),
		sender: sender,
		now:    time.Now,
	}
}

// Send issues a fresh code for phone and delivers it. A prior unused code for
// the same phone is invalidated.
func (s *Service) Send(ctx context.Context, phone string) error {
	code, err := GenerateCode()
	if err != nil {
		slog.Error("OTPService.Send code generation failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.codes[phone] = &entry{code: code, expiresAt: s.now().Add(codeExpiry)}
	s.mu.Unlock()

	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(codeExpiry.Minutes()))
	if err := s.sender.SendMessage(ctx, phone, body); err != nil {
		slog.Error("OTPService.Send delivery failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to deliver otp: %w", err)
	}
	slog.Debug("OTPService.Send succeeded", "phone", phone)
	return nil
}

// Verify checks a submitted code. On success it issues session credentials
// valid for tokenLifetime; the code is single-use.
func (s *Service) Verify(phone, code string) (*models.AuthCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[phone]
	if !ok {
		return nil, ErrNotFound
	}
	if e.used {
		return nil, ErrAlreadyUsed
	}
	if s.now().After(e.expiresAt) {
		delete(s.codes, phone)
		return nil, ErrExpired
	}
	e.attempts++
	if e.attempts > maxAttempts {
		delete(s.codes, phone)
		slog.Debug("OTPService.Verify attempt limit hit", "phone", phone)
		return nil, ErrTooManyAttempts
	}
	if e.code != code {
		slog.Debug("OTPService.Verify wrong code", "phone", phone, "attempts", e.attempts)
		return nil, ErrWrongCode
	}

	e.used = true
	issued := s.now()
	creds := &models.AuthCredentials{
		Phone:     phone,
		Token:     uuid.NewString(),
		IssuedAt:  issued.UnixMilli(),
		ExpiresAt: issued.Add(tokenLifetime).UnixMilli(),
	}
	slog.Debug("OTPService.Verify succeeded", "phone", phone)
	return creds, nil
}
