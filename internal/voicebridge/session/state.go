package session

import (
	"context"

	"github.com/looplab/fsm"
)

// Session lifecycle states. Transitions are one-way.
const (
	StateActive  = "active"
	StateClosing = "closing"
	StateClosed  = "closed"
)

const (
	eventClose  = "close"
	eventFinish = "finish"
)

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		StateActive,
		fsm.Events{
			{Name: eventClose, Src: []string{StateActive}, Dst: StateClosing},
			{Name: eventFinish, Src: []string{StateClosing}, Dst: StateClosed},
		},
		fsm.Callbacks{},
	)
}

// transition fires event and reports whether this caller performed it.
// The FSM serializes events, so concurrent callers see exactly one success.
func transition(f *fsm.FSM, event string) bool {
	return f.Event(context.Background(), event) == nil
}
