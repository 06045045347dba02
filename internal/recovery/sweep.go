package recovery

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/store"
)

// LeadSweeper clears lead-collection states whose in-process timer died with
// the previous run: COMPLETED states (the short auto-reset never fired) and
// COLLECTING states (a submission was cut off mid-flight; the user restarts
// the flow rather than resuming an unknown submission).
type LeadSweeper struct {
	store store.Store
}

// NewLeadSweeper creates a sweeper over st.
func NewLeadSweeper(st store.Store) *LeadSweeper {
	return &LeadSweeper{store: st}
}

// Name implements Recoverable.
func (s *LeadSweeper) Name() string { return "lead-sweeper" }

// Recover implements Recoverable.
func (s *LeadSweeper) Recover(ctx context.Context) error {
	states, err := s.store.ListFlowStates(models.FlowTypeLead)
	if err != nil {
		return err
	}
	cleared := 0
	for _, state := range states {
		switch state.CurrentState {
		case models.StateLeadCompleted, models.StateLeadCollecting:
			if err := s.store.DeleteFlowState(state.ParticipantID, models.FlowTypeLead); err != nil {
				slog.Error("LeadSweeper.Recover: delete failed", "error", err, "participantID", state.ParticipantID)
				return err
			}
			cleared++
		}
	}
	slog.Info("LeadSweeper.Recover: swept stale lead states", "total", len(states), "cleared", cleared)
	return nil
}

// IntentSweeper clears pending confirmation dialogues whose window has
// already elapsed. The flow also expires them lazily on next contact; the
// sweep keeps the persisted picture clean for sessions that never return.
type IntentSweeper struct {
	store   store.Store
	timeout time.Duration
	now     func() time.Time
}

// NewIntentSweeper creates a sweeper over st using the given confirmation
// window.
func NewIntentSweeper(st store.Store, timeout time.Duration) *IntentSweeper {
	return &IntentSweeper{store: st, timeout: timeout, now: time.Now}
}

// Name implements Recoverable.
func (s *IntentSweeper) Name() string { return "intent-sweeper" }

// Recover implements Recoverable.
func (s *IntentSweeper) Recover(ctx context.Context) error {
	states, err := s.store.ListFlowStates(models.FlowTypeIntent)
	if err != nil {
		return err
	}
	cleared := 0
	for _, state := range states {
		if !s.stale(state) {
			continue
		}
		if err := s.store.DeleteFlowState(state.ParticipantID, models.FlowTypeIntent); err != nil {
			slog.Error("IntentSweeper.Recover: delete failed", "error", err, "participantID", state.ParticipantID)
			return err
		}
		cleared++
	}
	slog.Info("IntentSweeper.Recover: swept expired dialogues", "total", len(states), "cleared", cleared)
	return nil
}

func (s *IntentSweeper) stale(state models.FlowState) bool {
	var key models.DataKey
	switch state.CurrentState {
	case models.StateIntentProposalPending:
		key = models.DataKeyProposalPendingAt
	case models.StateIntentHandoffPending:
		key = models.DataKeyHandoffPendingAt
	case models.StateIntentTemplateChoice:
		key = models.DataKeyTemplateChoiceAt
	default:
		// Unknown intent state: nothing can resolve it, clear it.
		return true
	}
	askedAt, err := strconv.ParseInt(state.StateData[key], 10, 64)
	if err != nil {
		return true
	}
	return s.now().UnixMilli()-askedAt > s.timeout.Milliseconds()
}
