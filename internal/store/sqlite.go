// Package store provides storage backends for Chatflow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/troikalabs/chatflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetTabHistory loads one tab's message history. A corrupt messages blob is
// treated as an empty history rather than an error so a bad row cannot wedge
// the conversation.
func (s *SQLiteStore) GetTabHistory(key models.HistoryKey) ([]models.ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRow(`SELECT messages FROM tab_histories WHERE chatbot_id = ? AND session_id = ? AND tab = ?`,
		key.ChatbotID, key.SessionID, key.Tab).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return nil, fmt.Errorf("failed to query tab history: %w", err)
	}
	var msgs []models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		slog.Error("SQLiteStore GetTabHistory unmarshal failed, treating as empty", "error", err, "session", key.SessionID, "tab", key.Tab)
		return nil, nil
	}
	slog.Debug("SQLiteStore GetTabHistory succeeded", "session", key.SessionID, "tab", key.Tab, "count", len(msgs))
	return msgs, nil
}

func (s *SQLiteStore) SaveTabHistory(key models.HistoryKey, msgs []models.ChatMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		slog.Error("SQLiteStore SaveTabHistory marshal failed", "error", err, "session", key.SessionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tab_histories (chatbot_id, session_id, tab, messages, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chatbot_id, session_id, tab) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		key.ChatbotID, key.SessionID, key.Tab, string(raw), time.Now().UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore SaveTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return fmt.Errorf("failed to save tab history: %w", err)
	}
	slog.Debug("SQLiteStore SaveTabHistory succeeded", "session", key.SessionID, "tab", key.Tab, "count", len(msgs))
	return nil
}

func (s *SQLiteStore) AppendMessage(key models.HistoryKey, msg models.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msgs, err := s.GetTabHistory(key)
	if err != nil {
		return err
	}
	return s.SaveTabHistory(key, append(msgs, msg))
}

func (s *SQLiteStore) ClearTabHistory(key models.HistoryKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM tab_histories WHERE chatbot_id = ? AND session_id = ? AND tab = ?`,
		key.ChatbotID, key.SessionID, key.Tab)
	if err != nil {
		slog.Error("SQLiteStore ClearTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return err
	}
	slog.Debug("SQLiteStore ClearTabHistory succeeded", "session", key.SessionID, "tab", key.Tab)
	return nil
}

func (s *SQLiteStore) ClearSessionHistory(chatbotID, sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM tab_histories WHERE chatbot_id = ? AND session_id = ?`, chatbotID, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ClearSessionHistory failed", "error", err, "session", sessionID)
		return err
	}
	slog.Debug("SQLiteStore ClearSessionHistory succeeded", "session", sessionID)
	return nil
}

// SaveFlowState stores or updates flow state for a participant.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		state.ParticipantID, state.FlowType, state.CurrentState,
		stateDataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *SQLiteStore) GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var stateDataJSON string

	err := s.db.QueryRow(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType).Scan(
		&state.ParticipantID, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFlowState not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}

	if stateDataJSON != "" {
		state.StateData = make(map[models.DataKey]string)
		if err := json.Unmarshal([]byte(stateDataJSON), &state.StateData); err != nil {
			slog.Error("SQLiteStore GetFlowState JSON unmarshal failed", "error", err, "participantID", participantID)
			// Continue with empty map rather than failing
			state.StateData = make(map[models.DataKey]string)
		}
	}

	slog.Debug("SQLiteStore GetFlowState found", "participantID", participantID, "flowType", flowType, "state", state.CurrentState)
	return &state, nil
}

// ListFlowStates returns every persisted state of the given flow type.
func (s *SQLiteStore) ListFlowStates(flowType models.FlowType) ([]models.FlowState, error) {
	rows, err := s.db.Query(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE flow_type = ?`, flowType)
	if err != nil {
		slog.Error("SQLiteStore ListFlowStates failed", "error", err, "flowType", flowType)
		return nil, err
	}
	defer rows.Close()

	var out []models.FlowState
	for rows.Next() {
		var state models.FlowState
		var stateDataJSON string
		if err := rows.Scan(&state.ParticipantID, &state.FlowType, &state.CurrentState,
			&stateDataJSON, &state.CreatedAt, &state.UpdatedAt); err != nil {
			slog.Error("SQLiteStore ListFlowStates scan failed", "error", err, "flowType", flowType)
			return nil, err
		}
		if stateDataJSON != "" {
			state.StateData = make(map[models.DataKey]string)
			if err := json.Unmarshal([]byte(stateDataJSON), &state.StateData); err != nil {
				slog.Error("SQLiteStore ListFlowStates JSON unmarshal failed", "error", err, "participantID", state.ParticipantID)
				// Continue with empty map rather than failing
				state.StateData = make(map[models.DataKey]string)
			}
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore ListFlowStates succeeded", "flowType", flowType, "count", len(out))
	return out, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *SQLiteStore) DeleteFlowState(participantID string, flowType models.FlowType) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	slog.Debug("SQLiteStore DeleteFlowState succeeded", "participantID", participantID, "flowType", flowType)
	return nil
}

func (s *SQLiteStore) GetCounters(chatbotID, sessionID string) (models.SessionCounters, error) {
	var c models.SessionCounters
	err := s.db.QueryRow(`SELECT user_messages, bot_messages FROM sessions WHERE chatbot_id = ? AND session_id = ?`,
		chatbotID, sessionID).Scan(&c.UserMessages, &c.BotMessages)
	if err == sql.ErrNoRows {
		return models.SessionCounters{}, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCounters failed", "error", err, "session", sessionID)
		return models.SessionCounters{}, err
	}
	return c, nil
}

func (s *SQLiteStore) SaveCounters(chatbotID, sessionID string, counters models.SessionCounters) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (chatbot_id, session_id, user_messages, bot_messages, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chatbot_id, session_id) DO UPDATE SET
			user_messages = excluded.user_messages,
			bot_messages = excluded.bot_messages,
			updated_at = excluded.updated_at`,
		chatbotID, sessionID, counters.UserMessages, counters.BotMessages, time.Now().UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore SaveCounters failed", "error", err, "session", sessionID)
		return err
	}
	slog.Debug("SQLiteStore SaveCounters succeeded", "session", sessionID, "user", counters.UserMessages, "bot", counters.BotMessages)
	return nil
}

func (s *SQLiteStore) GetAuthCredentials(chatbotID, sessionID string) (*models.AuthCredentials, error) {
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT auth_json FROM sessions WHERE chatbot_id = ? AND session_id = ?`,
		chatbotID, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetAuthCredentials failed", "error", err, "session", sessionID)
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var creds models.AuthCredentials
	if err := json.Unmarshal([]byte(raw.String), &creds); err != nil {
		slog.Error("SQLiteStore GetAuthCredentials unmarshal failed", "error", err, "session", sessionID)
		return nil, nil
	}
	return &creds, nil
}

func (s *SQLiteStore) SaveAuthCredentials(chatbotID, sessionID string, creds models.AuthCredentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (chatbot_id, session_id, auth_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chatbot_id, session_id) DO UPDATE SET auth_json = excluded.auth_json, updated_at = excluded.updated_at`,
		chatbotID, sessionID, string(raw), time.Now().UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore SaveAuthCredentials failed", "error", err, "session", sessionID)
		return err
	}
	slog.Debug("SQLiteStore SaveAuthCredentials succeeded", "session", sessionID, "phone", creds.Phone)
	return nil
}

func (s *SQLiteStore) DeleteAuthCredentials(chatbotID, sessionID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET auth_json = NULL, updated_at = ? WHERE chatbot_id = ? AND session_id = ?`,
		time.Now().UnixMilli(), chatbotID, sessionID)
	if err != nil {
		slog.Error("SQLiteStore DeleteAuthCredentials failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *SQLiteStore) MarkTranscriptSent(chatbotID, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (chatbot_id, session_id, transcript_sent, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(chatbot_id, session_id) DO UPDATE SET transcript_sent = 1, updated_at = excluded.updated_at`,
		chatbotID, sessionID, time.Now().UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore MarkTranscriptSent failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *SQLiteStore) TranscriptSent(chatbotID, sessionID string) (bool, error) {
	var sent bool
	err := s.db.QueryRow(`SELECT transcript_sent FROM sessions WHERE chatbot_id = ? AND session_id = ?`,
		chatbotID, sessionID).Scan(&sent)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore TranscriptSent failed", "error", err, "session", sessionID)
		return false, err
	}
	return sent, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
