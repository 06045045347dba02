package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimpleTimer schedules one-shot callbacks, such as the short delay before a
// completed lead collection resets to idle. Timers are in-process only; the
// recovery sweep picks up whatever a dead process left behind.
type SimpleTimer struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewSimpleTimer creates an empty timer registry.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{pending: make(map[string]*time.Timer)}
}

// ScheduleAfter runs fn after delay and returns an ID usable with Cancel.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	id := uuid.NewString()
	t.mu.Lock()
	t.pending[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		fn()
	})
	t.mu.Unlock()
	slog.Debug("SimpleTimer.ScheduleAfter: scheduled", "id", id, "delay", delay)
	return id, nil
}

// Cancel stops a pending timer. Unknown IDs are a no-op: the timer may have
// already fired.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[id]; ok {
		timer.Stop()
		delete(t.pending, id)
		slog.Debug("SimpleTimer.Cancel: cancelled", "id", id)
	}
	return nil
}

// Stop cancels every pending timer.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	slog.Debug("SimpleTimer.Stop: cancelling pending timers", "count", len(t.pending))
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
