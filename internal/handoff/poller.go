// Package handoff polls the platform for human-agent replies while a session
// is handed off and appends them to the session's tab history.
package handoff

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/troikalabs/chatflow/internal/backend"
	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/store"
)

// DefaultPollInterval is the fixed delay between polls. There is no backoff:
// an agent conversation is short-lived and latency matters more than load.
const DefaultPollInterval = 4 * time.Second

// MessageSource fetches agent replies. backend.Client satisfies it.
type MessageSource interface {
	HandoffMessages(ctx context.Context, sessionID, sinceID string) ([]backend.HandoffMessage, error)
}

// Opts holds configuration for the poller.
type Opts struct {
	// Interval between polls; DefaultPollInterval when zero.
	Interval time.Duration
	// OnMessage, when set, is invoked for every agent message after it has
	// been appended to the history. Used to push messages to connected
	// clients.
	OnMessage func(key models.HistoryKey, msg models.ChatMessage)
}

// Option configures the poller.
type Option func(*Opts)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.Interval = d
	}
}

// WithOnMessage registers a delivery callback for polled agent messages.
func WithOnMessage(fn func(key models.HistoryKey, msg models.ChatMessage)) Option {
	return func(o *Opts) {
		o.OnMessage = fn
	}
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller runs one polling loop per handed-off session. Loops are started when
// a handoff is confirmed and stopped when the session ends or the handoff is
// closed; the poll interval is fixed.
type Poller struct {
	source    MessageSource
	store     store.Store
	interval  time.Duration
	onMessage func(key models.HistoryKey, msg models.ChatMessage)

	mu    sync.Mutex
	loops map[string]*loop
}

// NewPoller creates a poller that appends agent replies through st.
func NewPoller(source MessageSource, st store.Store, options ...Option) *Poller {
	opts := Opts{Interval: DefaultPollInterval}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	return &Poller{
		source:    source,
		store:     st,
		interval:  opts.Interval,
		onMessage: opts.OnMessage,
		loops:     make(map[string]*loop),
	}
}

func loopKey(chatbotID, sessionID string) string {
	return chatbotID + ":" + sessionID
}

// Start begins polling for the session's agent replies, appending them to the
// given tab's history. Starting an already-active session is a no-op.
func (p *Poller) Start(chatbotID, sessionID, tab string) {
	key := loopKey(chatbotID, sessionID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loops[key]; ok {
		slog.Debug("Poller.Start: already polling", "sessionID", sessionID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	p.loops[key] = l
	slog.Info("Poller.Start: handoff polling started", "chatbotID", chatbotID, "sessionID", sessionID, "tab", tab)
	go p.run(ctx, l, chatbotID, sessionID, tab)
}

// Stop ends polling for the session and waits for its loop to exit.
func (p *Poller) Stop(chatbotID, sessionID string) {
	key := loopKey(chatbotID, sessionID)
	p.mu.Lock()
	l, ok := p.loops[key]
	if ok {
		delete(p.loops, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
	slog.Info("Poller.Stop: handoff polling stopped", "chatbotID", chatbotID, "sessionID", sessionID)
}

// Active reports whether the session is currently being polled.
func (p *Poller) Active(chatbotID, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[loopKey(chatbotID, sessionID)]
	return ok
}

// StopAll ends every polling loop. Used on shutdown.
func (p *Poller) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*loop)
	p.mu.Unlock()
	for _, l := range loops {
		l.cancel()
		<-l.done
	}
}

func (p *Poller) run(ctx context.Context, l *loop, chatbotID, sessionID, tab string) {
	defer close(l.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	key := models.HistoryKey{ChatbotID: chatbotID, SessionID: sessionID, Tab: tab}
	lastID := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := p.source.HandoffMessages(ctx, sessionID, lastID)
		if err != nil {
			// A failed poll is retried at the next tick.
			slog.Error("Poller: poll failed", "error", err, "sessionID", sessionID)
			continue
		}
		for _, hm := range msgs {
			msg := agentMessage(hm)
			if err := p.store.AppendMessage(key, msg); err != nil {
				slog.Error("Poller: append failed", "error", err, "sessionID", sessionID)
				continue
			}
			lastID = hm.ID
			if p.onMessage != nil {
				p.onMessage(key, msg)
			}
		}
	}
}

// agentMessage converts a polled reply into a history entry.
func agentMessage(hm backend.HandoffMessage) models.ChatMessage {
	msg := models.ChatMessage{
		Sender:    models.SenderAgent,
		Text:      hm.Text,
		Timestamp: time.UnixMilli(hm.Timestamp),
	}
	if hm.AgentName != "" {
		msg.Metadata = map[string]string{"agent_name": hm.AgentName}
	}
	return msg
}
