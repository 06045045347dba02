package flow

import (
	"log/slog"
	"sync"
	"time"
)

// duplicateWindow is how long an identical message is considered a duplicate
// of the previous send.
const duplicateWindow = 1 * time.Second

type guardEntry struct {
	inFlight bool
	lastText string
	lastAt   time.Time
}

// SendGuard serializes message handling per session: a second send while one
// is in flight is dropped, as is the same text re-sent within the duplicate
// window. This covers rapid double-clicks and Enter-key repeats.
type SendGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	now     func() time.Time
}

// NewSendGuard creates an empty guard.
func NewSendGuard() *SendGuard {
	return &SendGuard{entries: make(map[string]*guardEntry), now: time.Now}
}

// Begin claims the session for one send. It returns false when the send must
// be suppressed; on true the caller must call End when done.
func (g *SendGuard) Begin(participantID, text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[participantID]
	if !ok {
		entry = &guardEntry{}
		g.entries[participantID] = entry
	}
	now := g.now()
	if entry.inFlight {
		slog.Debug("SendGuard: send already in flight, dropping", "participantID", participantID)
		return false
	}
	if entry.lastText == text && now.Sub(entry.lastAt) < duplicateWindow {
		slog.Debug("SendGuard: duplicate text within window, dropping", "participantID", participantID)
		return false
	}
	entry.inFlight = true
	entry.lastText = text
	entry.lastAt = now
	return true
}

// End releases the session after a send completes or fails, and evicts
// entries whose duplicate window has passed so the map does not grow with
// every participant ever seen.
func (g *SendGuard) End(participantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.entries[participantID]; ok {
		entry.inFlight = false
	}
	now := g.now()
	for id, entry := range g.entries {
		if !entry.inFlight && now.Sub(entry.lastAt) >= duplicateWindow {
			delete(g.entries, id)
		}
	}
}
