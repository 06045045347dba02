// Package store provides storage backends for Chatflow.
//
// It persists per-tab conversation histories, flow states, session counters,
// and verified auth credentials. An in-memory store backs tests and
// single-process deployments; SQLite, PostgreSQL, and Redis backends provide
// durable storage.
package store

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/troikalabs/chatflow/internal/models"
)

// Store is the persistence interface consumed by the flow engine and API.
//
// GetFlowState and GetAuthCredentials return (nil, nil) when no record
// exists; callers treat a nil result as "not started".
type Store interface {
	// Tab histories
	GetTabHistory(key models.HistoryKey) ([]models.ChatMessage, error)
	SaveTabHistory(key models.HistoryKey, msgs []models.ChatMessage) error
	AppendMessage(key models.HistoryKey, msg models.ChatMessage) error
	ClearTabHistory(key models.HistoryKey) error
	ClearSessionHistory(chatbotID, sessionID string) error

	// Flow states
	GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error)
	SaveFlowState(state models.FlowState) error
	DeleteFlowState(participantID string, flowType models.FlowType) error
	// ListFlowStates returns every persisted state of the given flow type.
	// Used by the startup recovery sweep.
	ListFlowStates(flowType models.FlowType) ([]models.FlowState, error)

	// Session counters and auth
	GetCounters(chatbotID, sessionID string) (models.SessionCounters, error)
	SaveCounters(chatbotID, sessionID string, counters models.SessionCounters) error
	GetAuthCredentials(chatbotID, sessionID string) (*models.AuthCredentials, error)
	SaveAuthCredentials(chatbotID, sessionID string, creds models.AuthCredentials) error
	DeleteAuthCredentials(chatbotID, sessionID string) error

	// Transcript delivery flag
	MarkTranscriptSent(chatbotID, sessionID string) error
	TranscriptSent(chatbotID, sessionID string) (bool, error)

	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	// DSN is the backend-specific connection string: a file path for SQLite,
	// a postgres:// URL or key=value string for Postgres, a redis:// URL for Redis.
	DSN string
	// TTL bounds how long Redis keys live; zero means no expiry. Ignored by
	// the SQL backends.
	TTL time.Duration
}

// Option configures store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisDSN sets the Redis connection URL.
func WithRedisDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithTTL sets the key expiry used by the Redis backend.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// DetectDSNType inspects a DSN and reports which driver it belongs to:
// "postgres", "redis", or "sqlite3" (the fallback for plain file paths).
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	default:
		return "sqlite3"
	}
}

// sessionRecord groups the per-session values kept alongside histories.
type sessionRecord struct {
	counters       models.SessionCounters
	auth           *models.AuthCredentials
	transcriptSent bool
}

// InMemoryStore is a map-backed Store for tests and single-process use.
type InMemoryStore struct {
	mu        sync.RWMutex
	histories map[models.HistoryKey][]models.ChatMessage
	states    map[string]models.FlowState
	sessions  map[string]*sessionRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		histories: make(map[models.HistoryKey][]models.ChatMessage),
		states:    make(map[string]models.FlowState),
		sessions:  make(map[string]*sessionRecord),
	}
}

func stateKey(participantID string, flowType models.FlowType) string {
	return participantID + "|" + string(flowType)
}

func sessionKey(chatbotID, sessionID string) string {
	return chatbotID + "|" + sessionID
}

func (s *InMemoryStore) GetTabHistory(key models.HistoryKey) ([]models.ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.histories[key]
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) SaveTabHistory(key models.HistoryKey, msgs []models.ChatMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]models.ChatMessage, len(msgs))
	copy(stored, msgs)
	s.histories[key] = stored
	return nil
}

func (s *InMemoryStore) AppendMessage(key models.HistoryKey, msg models.ChatMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[key] = append(s.histories[key], msg)
	return nil
}

func (s *InMemoryStore) ClearTabHistory(key models.HistoryKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, key)
	return nil
}

func (s *InMemoryStore) ClearSessionHistory(chatbotID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.histories {
		if key.ChatbotID == chatbotID && key.SessionID == sessionID {
			delete(s.histories, key)
		}
	}
	return nil
}

func (s *InMemoryStore) GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[stateKey(participantID, flowType)]
	if !ok {
		return nil, nil
	}
	copied := state
	if state.StateData != nil {
		copied.StateData = make(map[models.DataKey]string, len(state.StateData))
		for k, v := range state.StateData {
			copied.StateData[k] = v
		}
	}
	return &copied, nil
}

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.StateData != nil {
		copied := make(map[models.DataKey]string, len(state.StateData))
		for k, v := range state.StateData {
			copied[k] = v
		}
		state.StateData = copied
	}
	s.states[stateKey(state.ParticipantID, state.FlowType)] = state
	return nil
}

func (s *InMemoryStore) DeleteFlowState(participantID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateKey(participantID, flowType))
	return nil
}

func (s *InMemoryStore) ListFlowStates(flowType models.FlowType) ([]models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlowState
	for _, state := range s.states {
		if state.FlowType != flowType {
			continue
		}
		copied := state
		if state.StateData != nil {
			copied.StateData = make(map[models.DataKey]string, len(state.StateData))
			for k, v := range state.StateData {
				copied.StateData[k] = v
			}
		}
		out = append(out, copied)
	}
	return out, nil
}

func (s *InMemoryStore) session(chatbotID, sessionID string) *sessionRecord {
	key := sessionKey(chatbotID, sessionID)
	rec, ok := s.sessions[key]
	if !ok {
		rec = &sessionRecord{}
		s.sessions[key] = rec
	}
	return rec
}

func (s *InMemoryStore) GetCounters(chatbotID, sessionID string) (models.SessionCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionKey(chatbotID, sessionID)]
	if !ok {
		return models.SessionCounters{}, nil
	}
	return rec.counters, nil
}

func (s *InMemoryStore) SaveCounters(chatbotID, sessionID string, counters models.SessionCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(chatbotID, sessionID).counters = counters
	return nil
}

func (s *InMemoryStore) GetAuthCredentials(chatbotID, sessionID string) (*models.AuthCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionKey(chatbotID, sessionID)]
	if !ok || rec.auth == nil {
		return nil, nil
	}
	copied := *rec.auth
	return &copied, nil
}

func (s *InMemoryStore) SaveAuthCredentials(chatbotID, sessionID string, creds models.AuthCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(chatbotID, sessionID).auth = &creds
	return nil
}

func (s *InMemoryStore) DeleteAuthCredentials(chatbotID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionKey(chatbotID, sessionID)]; ok {
		rec.auth = nil
	}
	return nil
}

func (s *InMemoryStore) MarkTranscriptSent(chatbotID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(chatbotID, sessionID).transcriptSent = true
	return nil
}

func (s *InMemoryStore) TranscriptSent(chatbotID, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionKey(chatbotID, sessionID)]
	return ok && rec.transcriptSent, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	slog.Debug("InMemoryStore closed")
	return nil
}
