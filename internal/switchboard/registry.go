package switchboard

import (
	"net/netip"

	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/callbridge/callbridge/internal/wire"
)

// Register adds a client under a unique name, acks it, and broadcasts the
// updated user list to everyone, the new client included. A name that is
// already present is rejected, never overwritten.
func (sb *Switchboard) Register(name string, handle Pusher, controlIP netip.Addr) error {
	sb.mu.Lock()
	if _, ok := sb.clients[name]; ok {
		sb.mu.Unlock()
		return ErrDuplicateName
	}
	if sb.maxClients > 0 && len(sb.clients) >= sb.maxClients {
		sb.mu.Unlock()
		sb.metrics.Drop(metrics.DropReasonServerFull)
		return ErrServerFull
	}

	sb.clients[name] = &client{name: name, handle: handle, controlIP: controlIP}
	sb.order = append(sb.order, name)
	sb.metrics.Registration()
	sb.metrics.SetClientsActive(len(sb.clients))
	// The ack must reach the new client before its first USERS broadcast.
	pushes := append(
		[]push{{name: name, handle: handle, msg: wire.Message{Kind: wire.KindSuccess, Arg: "Registered"}}},
		sb.broadcastLocked()...,
	)
	clients := len(sb.clients)
	sb.mu.Unlock()

	sb.log.Info("client registered", "name", name, "clients", clients)
	sb.deliver(pushes)
	return nil
}

// Unregister removes a client, tears down any call it is part of (notifying
// the other party), and broadcasts the updated user list. It is idempotent:
// removing an absent name is a no-op.
func (sb *Switchboard) Unregister(name string) {
	sb.mu.Lock()
	if _, ok := sb.clients[name]; !ok {
		sb.mu.Unlock()
		return
	}

	pushes := sb.endLocked(name)
	delete(sb.clients, name)
	for i, n := range sb.order {
		if n == name {
			sb.order = append(sb.order[:i], sb.order[i+1:]...)
			break
		}
	}
	sb.metrics.SetClientsActive(len(sb.clients))
	pushes = append(pushes, sb.broadcastLocked()...)
	sb.mu.Unlock()

	sb.log.Info("client unregistered", "name", name)
	sb.deliver(pushes)
}

// ObserveMedia attributes one inbound media datagram to a sender, records the
// sender's media address, and resolves the address the payload should be
// forwarded to. ok is false when the datagram must be dropped: unknown sender,
// no active call, or a partner whose media address has not been learned yet.
//
// Sender resolution prefers an exact address match over a control-IP match, so
// two clients behind one NAT diverge as soon as each has sent one datagram.
func (sb *Switchboard) ObserveMedia(src netip.AddrPort) (dst netip.AddrPort, ok bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sender := sb.senderForLocked(src)
	if sender == nil {
		sb.metrics.Drop(metrics.DropReasonUnknownSender)
		return netip.AddrPort{}, false
	}
	sender.mediaAddr = src

	e := sb.byCaller[sender.name]
	if e == nil {
		e = sb.byCallee[sender.name]
	}
	if e == nil || !e.active() {
		sb.metrics.Drop(metrics.DropReasonNoActiveCall)
		return netip.AddrPort{}, false
	}

	partner := sb.clients[e.other(sender.name)]
	if partner == nil || !partner.mediaAddr.IsValid() {
		sb.metrics.Drop(metrics.DropReasonNoPartnerAddr)
		return netip.AddrPort{}, false
	}
	return partner.mediaAddr, true
}

func (sb *Switchboard) senderForLocked(src netip.AddrPort) *client {
	for _, name := range sb.order {
		if sb.clients[name].mediaAddr == src {
			return sb.clients[name]
		}
	}
	// First datagram from this client: fall back to the control connection's
	// IP, preferring clients that have not been learned yet.
	var ipMatch *client
	for _, name := range sb.order {
		c := sb.clients[name]
		if c.controlIP != src.Addr() {
			continue
		}
		if !c.mediaAddr.IsValid() {
			return c
		}
		if ipMatch == nil {
			ipMatch = c
		}
	}
	return ipMatch
}

// MediaAddrOf returns the last-known media address for name, if any.
func (sb *Switchboard) MediaAddrOf(name string) (netip.AddrPort, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	c, ok := sb.clients[name]
	if !ok || !c.mediaAddr.IsValid() {
		return netip.AddrPort{}, false
	}
	return c.mediaAddr, true
}

// Clear unregisters every client without notifications. It is the final step
// of process shutdown, after all handlers have drained.
func (sb *Switchboard) Clear() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.clients = make(map[string]*client)
	sb.order = nil
	sb.byCaller = make(map[string]*edge)
	sb.byCallee = make(map[string]*edge)
	sb.metrics.SetClientsActive(0)
	sb.metrics.SetCallsActive(0)
}
