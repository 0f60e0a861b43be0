package engine

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// ResetState is the position of the reset confirmation flow.
type ResetState string

const (
	ResetIdle                ResetState = "idle"
	ResetPendingConfirmation ResetState = "pending_confirmation"
	ResetResetting           ResetState = "resetting"
)

const (
	eventRequest = "request"
	eventCancel  = "cancel"
	eventConfirm = "confirm"
	eventDone    = "done"
)

// resetMachine gates the destructive reset behind an explicit confirmation:
// idle -> pending_confirmation -> (idle | resetting -> idle).
// It is only touched from the engine loop.
type resetMachine struct {
	fsm *fsm.FSM
}

func newResetMachine(log *zap.SugaredLogger) *resetMachine {
	return &resetMachine{
		fsm: fsm.NewFSM(
			string(ResetIdle),
			fsm.Events{
				{Name: eventRequest, Src: []string{string(ResetIdle)}, Dst: string(ResetPendingConfirmation)},
				{Name: eventCancel, Src: []string{string(ResetPendingConfirmation)}, Dst: string(ResetIdle)},
				{Name: eventConfirm, Src: []string{string(ResetPendingConfirmation)}, Dst: string(ResetResetting)},
				{Name: eventDone, Src: []string{string(ResetResetting)}, Dst: string(ResetIdle)},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					log.Debugw("reset state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
				},
			},
		),
	}
}

func (m *resetMachine) current() ResetState {
	return ResetState(m.fsm.Current())
}

// fire sends event and maps an impossible transition to the matching
// user-facing error.
func (m *resetMachine) fire(ctx context.Context, event string) error {
	if m.fsm.Can(event) {
		return m.fsm.Event(ctx, event)
	}
	switch m.current() {
	case ResetResetting:
		return ErrResetInProgress
	case ResetIdle:
		return ErrNoPendingReset
	default:
		// Requesting twice keeps the pending confirmation.
		if event == eventRequest {
			return nil
		}
		return ErrNoPendingReset
	}
}
