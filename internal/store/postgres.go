// Package store provides storage backends for Chatflow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/troikalabs/chatflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetTabHistory loads one tab's message history. A corrupt messages blob is
// treated as an empty history rather than an error.
func (s *PostgresStore) GetTabHistory(key models.HistoryKey) ([]models.ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRow(`SELECT messages FROM tab_histories WHERE chatbot_id = $1 AND session_id = $2 AND tab = $3`,
		key.ChatbotID, key.SessionID, key.Tab).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return nil, fmt.Errorf("failed to query tab history: %w", err)
	}
	var msgs []models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		slog.Error("PostgresStore GetTabHistory unmarshal failed, treating as empty", "error", err, "session", key.SessionID, "tab", key.Tab)
		return nil, nil
	}
	slog.Debug("PostgresStore GetTabHistory succeeded", "session", key.SessionID, "tab", key.Tab, "count", len(msgs))
	return msgs, nil
}

func (s *PostgresStore) SaveTabHistory(key models.HistoryKey, msgs []models.ChatMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		slog.Error("PostgresStore SaveTabHistory marshal failed", "error", err, "session", key.SessionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tab_histories (chatbot_id, session_id, tab, messages, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chatbot_id, session_id, tab) DO UPDATE SET messages = EXCLUDED.messages, updated_at = EXCLUDED.updated_at`,
		key.ChatbotID, key.SessionID, key.Tab, string(raw), time.Now().UnixMilli())
	if err != nil {
		slog.Error("PostgresStore SaveTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return fmt.Errorf("failed to save tab history: %w", err)
	}
	slog.Debug("PostgresStore SaveTabHistory succeeded", "session", key.SessionID, "tab", key.Tab, "count", len(msgs))
	return nil
}

func (s *PostgresStore) AppendMessage(key models.HistoryKey, msg models.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msgs, err := s.GetTabHistory(key)
	if err != nil {
		return err
	}
	return s.SaveTabHistory(key, append(msgs, msg))
}

func (s *PostgresStore) ClearTabHistory(key models.HistoryKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM tab_histories WHERE chatbot_id = $1 AND session_id = $2 AND tab = $3`,
		key.ChatbotID, key.SessionID, key.Tab)
	if err != nil {
		slog.Error("PostgresStore ClearTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return err
	}
	return nil
}

func (s *PostgresStore) ClearSessionHistory(chatbotID, sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM tab_histories WHERE chatbot_id = $1 AND session_id = $2`, chatbotID, sessionID)
	if err != nil {
		slog.Error("PostgresStore ClearSessionHistory failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

// SaveFlowState stores or updates flow state for a participant.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}

	_, err := s.db.Exec(`
		INSERT INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (participant_id, flow_type) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`,
		state.ParticipantID, state.FlowType, state.CurrentState,
		nilIfEmpty(stateDataJSON), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *PostgresStore) GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var stateDataJSON sql.NullString

	err := s.db.QueryRow(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType).Scan(
		&state.ParticipantID, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFlowState not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}

	if stateDataJSON.Valid && stateDataJSON.String != "" {
		state.StateData = make(map[models.DataKey]string)
		if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
			slog.Error("PostgresStore GetFlowState JSON unmarshal failed", "error", err, "participantID", participantID)
			state.StateData = make(map[models.DataKey]string)
		}
	}

	slog.Debug("PostgresStore GetFlowState found", "participantID", participantID, "flowType", flowType, "state", state.CurrentState)
	return &state, nil
}

// ListFlowStates returns every persisted state of the given flow type.
func (s *PostgresStore) ListFlowStates(flowType models.FlowType) ([]models.FlowState, error) {
	rows, err := s.db.Query(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE flow_type = $1`, flowType)
	if err != nil {
		slog.Error("PostgresStore ListFlowStates failed", "error", err, "flowType", flowType)
		return nil, err
	}
	defer rows.Close()

	var out []models.FlowState
	for rows.Next() {
		var state models.FlowState
		var stateDataJSON sql.NullString
		if err := rows.Scan(&state.ParticipantID, &state.FlowType, &state.CurrentState,
			&stateDataJSON, &state.CreatedAt, &state.UpdatedAt); err != nil {
			slog.Error("PostgresStore ListFlowStates scan failed", "error", err, "flowType", flowType)
			return nil, err
		}
		if stateDataJSON.Valid && stateDataJSON.String != "" {
			state.StateData = make(map[models.DataKey]string)
			if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
				slog.Error("PostgresStore ListFlowStates JSON unmarshal failed", "error", err, "participantID", state.ParticipantID)
				state.StateData = make(map[models.DataKey]string)
			}
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore ListFlowStates succeeded", "flowType", flowType, "count", len(out))
	return out, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *PostgresStore) DeleteFlowState(participantID string, flowType models.FlowType) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	return nil
}

func (s *PostgresStore) GetCounters(chatbotID, sessionID string) (models.SessionCounters, error) {
	var c models.SessionCounters
	err := s.db.QueryRow(`SELECT user_messages, bot_messages FROM sessions WHERE chatbot_id = $1 AND session_id = $2`,
		chatbotID, sessionID).Scan(&c.UserMessages, &c.BotMessages)
	if err == sql.ErrNoRows {
		return models.SessionCounters{}, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCounters failed", "error", err, "session", sessionID)
		return models.SessionCounters{}, err
	}
	return c, nil
}

func (s *PostgresStore) SaveCounters(chatbotID, sessionID string, counters models.SessionCounters) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (chatbot_id, session_id, user_messages, bot_messages, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chatbot_id, session_id) DO UPDATE SET
			user_messages = EXCLUDED.user_messages,
			bot_messages = EXCLUDED.bot_messages,
			updated_at = EXCLUDED.updated_at`,
		chatbotID, sessionID, counters.UserMessages, counters.BotMessages, time.Now().UnixMilli())
	if err != nil {
		slog.Error("PostgresStore SaveCounters failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *PostgresStore) GetAuthCredentials(chatbotID, sessionID string) (*models.AuthCredentials, error) {
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT auth_json FROM sessions WHERE chatbot_id = $1 AND session_id = $2`,
		chatbotID, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetAuthCredentials failed", "error", err, "session", sessionID)
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var creds models.AuthCredentials
	if err := json.Unmarshal([]byte(raw.String), &creds); err != nil {
		slog.Error("PostgresStore GetAuthCredentials unmarshal failed", "error", err, "session", sessionID)
		return nil, nil
	}
	return &creds, nil
}

func (s *PostgresStore) SaveAuthCredentials(chatbotID, sessionID string, creds models.AuthCredentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (chatbot_id, session_id, auth_json, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chatbot_id, session_id) DO UPDATE SET auth_json = EXCLUDED.auth_json, updated_at = EXCLUDED.updated_at`,
		chatbotID, sessionID, string(raw), time.Now().UnixMilli())
	if err != nil {
		slog.Error("PostgresStore SaveAuthCredentials failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *PostgresStore) DeleteAuthCredentials(chatbotID, sessionID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET auth_json = NULL, updated_at = $1 WHERE chatbot_id = $2 AND session_id = $3`,
		time.Now().UnixMilli(), chatbotID, sessionID)
	if err != nil {
		slog.Error("PostgresStore DeleteAuthCredentials failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *PostgresStore) MarkTranscriptSent(chatbotID, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (chatbot_id, session_id, transcript_sent, updated_at)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (chatbot_id, session_id) DO UPDATE SET transcript_sent = TRUE, updated_at = EXCLUDED.updated_at`,
		chatbotID, sessionID, time.Now().UnixMilli())
	if err != nil {
		slog.Error("PostgresStore MarkTranscriptSent failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *PostgresStore) TranscriptSent(chatbotID, sessionID string) (bool, error) {
	var sent bool
	err := s.db.QueryRow(`SELECT transcript_sent FROM sessions WHERE chatbot_id = $1 AND session_id = $2`,
		chatbotID, sessionID).Scan(&sent)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore TranscriptSent failed", "error", err, "session", sessionID)
		return false, err
	}
	return sent, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// nilIfEmpty maps "" to NULL for nullable columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
