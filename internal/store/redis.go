// Package store provides storage backends for Chatflow.
//
// This file implements the Redis-backed store. Histories are Redis lists of
// JSON-encoded messages; everything else is a JSON blob under a namespaced
// key. Keys optionally expire after the configured TTL, refreshed on write.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/troikalabs/chatflow/internal/models"
)

// Redis client timeout defaults, in line with the dial/read/write split used
// by short-lived widget requests.
const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
)

type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore creates a Redis store from a redis:// DSN. The connection is
// verified with a ping before returning.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "", "ttl", cfg.TTL)

	if cfg.DSN == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("redis DSN not set")
	}
	ropts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("RedisStore DSN parse failed", "error", err)
		return nil, fmt.Errorf("failed to parse redis DSN: %w", err)
	}
	ropts.DialTimeout = redisDialTimeout
	ropts.ReadTimeout = redisReadTimeout
	ropts.WriteTimeout = redisWriteTimeout

	client := redis.NewClient(ropts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("RedisStore ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisStore connected")
	return &RedisStore{rdb: client, ttl: cfg.TTL}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func historyKey(key models.HistoryKey) string {
	return fmt.Sprintf("chatflow:history:%s:%s:%s", key.ChatbotID, key.SessionID, key.Tab)
}

func tabsKey(chatbotID, sessionID string) string {
	return fmt.Sprintf("chatflow:tabs:%s:%s", chatbotID, sessionID)
}

func flowStateKey(participantID string, flowType models.FlowType) string {
	return fmt.Sprintf("chatflow:state:%s:%s", participantID, flowType)
}

func countersKey(chatbotID, sessionID string) string {
	return fmt.Sprintf("chatflow:counters:%s:%s", chatbotID, sessionID)
}

func authKey(chatbotID, sessionID string) string {
	return fmt.Sprintf("chatflow:auth:%s:%s", chatbotID, sessionID)
}

func transcriptKey(chatbotID, sessionID string) string {
	return fmt.Sprintf("chatflow:transcript:%s:%s", chatbotID, sessionID)
}

func (s *RedisStore) touch(ctx context.Context, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, key := range keys {
		if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
			slog.Error("RedisStore expire failed", "error", err, "key", key)
		}
	}
}

// GetTabHistory loads one tab's history. Entries that fail to decode are
// skipped so one corrupt element cannot wedge the conversation.
func (s *RedisStore) GetTabHistory(key models.HistoryKey) ([]models.ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx := context.Background()
	rows, err := s.rdb.LRange(ctx, historyKey(key), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		slog.Error("RedisStore GetTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return nil, fmt.Errorf("failed to load tab history: %w", err)
	}
	msgs := make([]models.ChatMessage, 0, len(rows))
	for i, row := range rows {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(row), &m); err != nil {
			slog.Error("RedisStore GetTabHistory unmarshal failed, skipping entry", "error", err, "session", key.SessionID, "index", i)
			continue
		}
		msgs = append(msgs, m)
	}
	slog.Debug("RedisStore GetTabHistory succeeded", "session", key.SessionID, "tab", key.Tab, "count", len(msgs))
	return msgs, nil
}

func (s *RedisStore) SaveTabHistory(key models.HistoryKey, msgs []models.ChatMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ctx := context.Background()
	hkey := historyKey(key)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, hkey)
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		pipe.RPush(ctx, hkey, b)
	}
	pipe.SAdd(ctx, tabsKey(key.ChatbotID, key.SessionID), key.Tab)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore SaveTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return fmt.Errorf("failed to save tab history: %w", err)
	}
	s.touch(ctx, hkey, tabsKey(key.ChatbotID, key.SessionID))
	return nil
}

func (s *RedisStore) AppendMessage(key models.HistoryKey, msg models.ChatMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ctx := context.Background()
	hkey := historyKey(key)
	if err := s.rdb.RPush(ctx, hkey, b).Err(); err != nil {
		slog.Error("RedisStore AppendMessage failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return fmt.Errorf("failed to append message: %w", err)
	}
	if err := s.rdb.SAdd(ctx, tabsKey(key.ChatbotID, key.SessionID), key.Tab).Err(); err != nil {
		slog.Error("RedisStore AppendMessage tab index failed", "error", err, "session", key.SessionID)
	}
	s.touch(ctx, hkey, tabsKey(key.ChatbotID, key.SessionID))
	return nil
}

func (s *RedisStore) ClearTabHistory(key models.HistoryKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.rdb.Del(ctx, historyKey(key)).Err(); err != nil {
		slog.Error("RedisStore ClearTabHistory failed", "error", err, "session", key.SessionID, "tab", key.Tab)
		return err
	}
	return nil
}

func (s *RedisStore) ClearSessionHistory(chatbotID, sessionID string) error {
	ctx := context.Background()
	tkey := tabsKey(chatbotID, sessionID)
	tabs, err := s.rdb.SMembers(ctx, tkey).Result()
	if err != nil && err != redis.Nil {
		slog.Error("RedisStore ClearSessionHistory tab listing failed", "error", err, "session", sessionID)
		return err
	}
	keys := make([]string, 0, len(tabs)+1)
	for _, tab := range tabs {
		keys = append(keys, historyKey(models.HistoryKey{ChatbotID: chatbotID, SessionID: sessionID, Tab: tab}))
	}
	keys = append(keys, tkey)
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Error("RedisStore ClearSessionHistory failed", "error", err, "session", sessionID)
		return err
	}
	slog.Debug("RedisStore ClearSessionHistory succeeded", "session", sessionID, "tabs", len(tabs))
	return nil
}

func (s *RedisStore) GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error) {
	ctx := context.Background()
	raw, err := s.rdb.Get(ctx, flowStateKey(participantID, flowType)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}
	var state models.FlowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		slog.Error("RedisStore GetFlowState unmarshal failed", "error", err, "participantID", participantID)
		return nil, nil
	}
	return &state, nil
}

func (s *RedisStore) SaveFlowState(state models.FlowState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal flow state: %w", err)
	}
	ctx := context.Background()
	key := flowStateKey(state.ParticipantID, state.FlowType)
	if err := s.rdb.Set(ctx, key, b, s.ttl).Err(); err != nil {
		slog.Error("RedisStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("RedisStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// ListFlowStates scans for every persisted state of the given flow type.
func (s *RedisStore) ListFlowStates(flowType models.FlowType) ([]models.FlowState, error) {
	ctx := context.Background()
	pattern := fmt.Sprintf("chatflow:state:*:%s", flowType)

	var out []models.FlowState
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			slog.Error("RedisStore ListFlowStates scan failed", "error", err, "flowType", flowType)
			return nil, err
		}
		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				slog.Error("RedisStore ListFlowStates get failed", "error", err, "key", key)
				return nil, err
			}
			var state models.FlowState
			if err := json.Unmarshal([]byte(raw), &state); err != nil {
				slog.Error("RedisStore ListFlowStates unmarshal failed", "error", err, "key", key)
				continue
			}
			out = append(out, state)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slog.Debug("RedisStore ListFlowStates succeeded", "flowType", flowType, "count", len(out))
	return out, nil
}

func (s *RedisStore) DeleteFlowState(participantID string, flowType models.FlowType) error {
	ctx := context.Background()
	if err := s.rdb.Del(ctx, flowStateKey(participantID, flowType)).Err(); err != nil {
		slog.Error("RedisStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	return nil
}

func (s *RedisStore) GetCounters(chatbotID, sessionID string) (models.SessionCounters, error) {
	ctx := context.Background()
	raw, err := s.rdb.Get(ctx, countersKey(chatbotID, sessionID)).Result()
	if err == redis.Nil {
		return models.SessionCounters{}, nil
	}
	if err != nil {
		slog.Error("RedisStore GetCounters failed", "error", err, "session", sessionID)
		return models.SessionCounters{}, err
	}
	var c models.SessionCounters
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		slog.Error("RedisStore GetCounters unmarshal failed", "error", err, "session", sessionID)
		return models.SessionCounters{}, nil
	}
	return c, nil
}

func (s *RedisStore) SaveCounters(chatbotID, sessionID string, counters models.SessionCounters) error {
	b, err := json.Marshal(counters)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.rdb.Set(ctx, countersKey(chatbotID, sessionID), b, s.ttl).Err(); err != nil {
		slog.Error("RedisStore SaveCounters failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *RedisStore) GetAuthCredentials(chatbotID, sessionID string) (*models.AuthCredentials, error) {
	ctx := context.Background()
	raw, err := s.rdb.Get(ctx, authKey(chatbotID, sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetAuthCredentials failed", "error", err, "session", sessionID)
		return nil, err
	}
	var creds models.AuthCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		slog.Error("RedisStore GetAuthCredentials unmarshal failed", "error", err, "session", sessionID)
		return nil, nil
	}
	return &creds, nil
}

func (s *RedisStore) SaveAuthCredentials(chatbotID, sessionID string, creds models.AuthCredentials) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.rdb.Set(ctx, authKey(chatbotID, sessionID), b, s.ttl).Err(); err != nil {
		slog.Error("RedisStore SaveAuthCredentials failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *RedisStore) DeleteAuthCredentials(chatbotID, sessionID string) error {
	ctx := context.Background()
	if err := s.rdb.Del(ctx, authKey(chatbotID, sessionID)).Err(); err != nil {
		slog.Error("RedisStore DeleteAuthCredentials failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *RedisStore) MarkTranscriptSent(chatbotID, sessionID string) error {
	ctx := context.Background()
	if err := s.rdb.Set(ctx, transcriptKey(chatbotID, sessionID), "1", s.ttl).Err(); err != nil {
		slog.Error("RedisStore MarkTranscriptSent failed", "error", err, "session", sessionID)
		return err
	}
	return nil
}

func (s *RedisStore) TranscriptSent(chatbotID, sessionID string) (bool, error) {
	ctx := context.Background()
	_, err := s.rdb.Get(ctx, transcriptKey(chatbotID, sessionID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		slog.Error("RedisStore TranscriptSent failed", "error", err, "session", sessionID)
		return false, err
	}
	return true, nil
}

// Close closes the underlying Redis client when one was created by
// NewRedisStore; injected Cmdable clients are left to their owner.
func (s *RedisStore) Close() error {
	if client, ok := s.rdb.(*redis.Client); ok {
		slog.Debug("Closing Redis client")
		return client.Close()
	}
	return nil
}
