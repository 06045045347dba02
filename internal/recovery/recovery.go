// Package recovery restores a consistent flow-state picture after an
// application restart. In-process timers (lead auto-reset, confirmation
// expiry) die with the process while their states persist; the sweepers here
// clear what those timers would have cleared so sessions don't come back
// wedged mid-flow.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is one component that knows how to restore its own state on
// startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover restores the component's state.
	Recover(ctx context.Context) error
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{recoverables: make([]Recoverable, 0)}
}

// Register adds a component to recover on startup.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component. A failing component is logged
// and skipped; the rest still run.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	errorCount := 0
	for _, r := range m.recoverables {
		if err := r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "error", err, "component", r.Name())
			errorCount++
			continue
		}
		slog.Debug("Manager.RecoverAll: component recovered", "component", r.Name())
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", len(m.recoverables)-errorCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(m.recoverables))
	}
	return nil
}
