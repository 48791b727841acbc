package orchestrator

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Turn states.
const (
	StateIdle                = "idle"
	StateAwaitingEntitlement = "awaiting_entitlement"
	StateStreaming           = "streaming"
	StateFinalizing          = "finalizing"
)

// Turn events.
const (
	eventSubmit = "submit"
	eventAllow  = "allow"
	eventReject = "reject"
	eventFail   = "fail"
	eventFinish = "finish"
	eventDone   = "done"
)

// newTurnMachine builds the state machine for a single turn. onEnter is called with
// every state the turn enters, including the final idle.
func newTurnMachine(logger *zap.SugaredLogger, onEnter func(state string)) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventSubmit, Src: []string{StateIdle}, Dst: StateAwaitingEntitlement},
			{Name: eventAllow, Src: []string{StateAwaitingEntitlement}, Dst: StateStreaming},
			{Name: eventReject, Src: []string{StateAwaitingEntitlement}, Dst: StateIdle},
			{Name: eventFail, Src: []string{StateStreaming}, Dst: StateIdle},
			{Name: eventFinish, Src: []string{StateStreaming}, Dst: StateFinalizing},
			{Name: eventDone, Src: []string{StateFinalizing}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debugw("turn transition", "event", e.Event, "from", e.Src, "to", e.Dst)
				if onEnter != nil {
					onEnter(e.Dst)
				}
			},
		},
	)
}
