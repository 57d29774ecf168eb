package switchboard

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/callbridge/callbridge/internal/wire"
)

const (
	stateRinging = "ringing"
	stateActive  = "active"

	eventAccept = "accept"
)

// edge is one pending or established pairing. Terminal states are not
// modeled: a rejected or ended edge is deleted, and a fresh CALL creates a
// fresh edge. Only the ringing -> active transition is legal.
type edge struct {
	caller string
	callee string
	fsm    *fsm.FSM
}

func newEdge(caller, callee string) *edge {
	return &edge{
		caller: caller,
		callee: callee,
		fsm: fsm.NewFSM(
			stateRinging,
			fsm.Events{
				{Name: eventAccept, Src: []string{stateRinging}, Dst: stateActive},
			},
			fsm.Callbacks{},
		),
	}
}

func (e *edge) active() bool { return e.fsm.Current() == stateActive }

func (e *edge) other(name string) string {
	if name == e.caller {
		return e.callee
	}
	return e.caller
}

// Call creates a ringing edge from caller to target and notifies the target.
// Both parties must be idle; a racing pair of CALLs resolves first-wins, with
// the loser seeing ErrBusy.
func (sb *Switchboard) Call(caller, target string) error {
	sb.mu.Lock()
	if _, ok := sb.clients[caller]; !ok {
		sb.mu.Unlock()
		return ErrNotRegistered
	}
	targetC, ok := sb.clients[target]
	if !ok {
		sb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUser, target)
	}
	if caller == target || sb.statusLocked(caller) != StatusIdle || sb.statusLocked(target) != StatusIdle {
		sb.mu.Unlock()
		return ErrBusy
	}

	e := newEdge(caller, target)
	sb.byCaller[caller] = e
	sb.byCallee[target] = e
	sb.metrics.CallEvent(metrics.CallEventCall)
	sb.metrics.SetCallsActive(len(sb.byCaller))
	pushes := []push{{name: target, handle: targetC.handle, msg: wire.Message{Kind: wire.KindIncoming, Arg: caller}}}
	sb.mu.Unlock()

	sb.log.Info("call ringing", "caller", caller, "callee", target)
	sb.deliver(pushes)
	return nil
}

// Accept transitions the ringing edge caller -> accepter to active and
// notifies the caller. Anything else is ErrNoSuchInvitation.
func (sb *Switchboard) Accept(accepter, caller string) error {
	sb.mu.Lock()
	e := sb.byCaller[caller]
	if e == nil || e.callee != accepter || e.active() {
		sb.mu.Unlock()
		return ErrNoSuchInvitation
	}
	if err := e.fsm.Event(context.Background(), eventAccept); err != nil {
		sb.mu.Unlock()
		return ErrNoSuchInvitation
	}
	callerC := sb.clients[caller]
	sb.metrics.CallEvent(metrics.CallEventAccept)
	pushes := []push{{name: caller, handle: callerC.handle, msg: wire.Message{Kind: wire.KindAccepted, Arg: accepter}}}
	sb.mu.Unlock()

	sb.log.Info("call accepted", "caller", caller, "callee", accepter)
	sb.deliver(pushes)
	return nil
}

// Reject deletes the ringing edge caller -> rejecter and notifies the caller.
func (sb *Switchboard) Reject(rejecter, caller string) error {
	sb.mu.Lock()
	e := sb.byCaller[caller]
	if e == nil || e.callee != rejecter || e.active() {
		sb.mu.Unlock()
		return ErrNoSuchInvitation
	}
	sb.deleteEdgeLocked(e)
	callerC := sb.clients[caller]
	sb.metrics.CallEvent(metrics.CallEventReject)
	pushes := []push{{name: caller, handle: callerC.handle, msg: wire.Message{Kind: wire.KindRejected, Arg: rejecter}}}
	sb.mu.Unlock()

	sb.log.Info("call rejected", "caller", caller, "callee", rejecter)
	sb.deliver(pushes)
	return nil
}

// End tears down the edge ender is part of, ringing or active, and notifies
// the other party. Hanging up with no edge is a no-op, so END is idempotent.
func (sb *Switchboard) End(ender string) (peer string, ended bool) {
	sb.mu.Lock()
	pushes := sb.endLocked(ender)
	sb.mu.Unlock()

	if len(pushes) == 0 {
		return "", false
	}
	sb.log.Info("call ended", "by", ender, "peer", pushes[0].name)
	sb.deliver(pushes)
	return pushes[0].name, true
}

// endLocked deletes any edge referencing name and queues the END notification
// for the surviving party, if it is still registered.
func (sb *Switchboard) endLocked(name string) []push {
	e := sb.byCaller[name]
	if e == nil {
		e = sb.byCallee[name]
	}
	if e == nil {
		return nil
	}
	sb.deleteEdgeLocked(e)
	sb.metrics.CallEvent(metrics.CallEventEnd)

	other := e.other(name)
	peerC, ok := sb.clients[other]
	if !ok {
		return nil
	}
	return []push{{name: other, handle: peerC.handle, msg: wire.Message{Kind: wire.KindEnd, Arg: name}}}
}

func (sb *Switchboard) deleteEdgeLocked(e *edge) {
	delete(sb.byCaller, e.caller)
	delete(sb.byCallee, e.callee)
	sb.metrics.SetCallsActive(len(sb.byCaller))
}
