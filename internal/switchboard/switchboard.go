// Package switchboard holds the server's only mutable state: the presence
// registry (who is online) and the call table (who is paired with whom).
//
// Both live behind a single mutex and are exposed exclusively through atomic
// operations, so every handler and the media relay observe a consistent
// snapshot. No caller ever sees the raw maps, and no operation blocks on the
// network while holding the lock: mutations collect the notifications they owe
// and deliver them after unlocking.
package switchboard

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/callbridge/callbridge/internal/wire"
)

var (
	ErrDuplicateName    = errors.New("name already taken")
	ErrServerFull       = errors.New("server full")
	ErrNotRegistered    = errors.New("not registered")
	ErrUnknownUser      = errors.New("unknown user")
	ErrBusy             = errors.New("user is busy")
	ErrNoSuchInvitation = errors.New("no such invitation")
)

// Pusher delivers one server-initiated message to a client's control
// connection. Implementations serialize writes against the connection's
// synchronous response path and must not block indefinitely.
type Pusher interface {
	Push(msg wire.Message) error
}

// Status is a client's call state, derived from the call table.
type Status int

const (
	StatusIdle Status = iota
	StatusRingingOut
	StatusRingingIn
	StatusInCall
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRingingOut:
		return "ringing_out"
	case StatusRingingIn:
		return "ringing_in"
	case StatusInCall:
		return "in_call"
	default:
		return "unknown"
	}
}

// client is one registered participant. The switchboard exclusively owns these
// records; callers only ever hold the name as a reference key, so a reconnect
// under the same name can never be observed through a stale pointer.
type client struct {
	name   string
	handle Pusher

	// controlIP is the source address of the control connection, used as a
	// best-effort hint to attribute the first media datagram from a client
	// that has not yet been learned by exact address.
	controlIP netip.Addr

	// mediaAddr is the source of the most recent media datagram attributed to
	// this client. Zero until the first datagram arrives.
	mediaAddr netip.AddrPort
}

type Switchboard struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	maxClients int

	mu       sync.Mutex
	clients  map[string]*client
	order    []string // registration order, for deterministic USERS lists
	byCaller map[string]*edge
	byCallee map[string]*edge
}

// New constructs an empty switchboard. maxClients <= 0 means unlimited.
func New(log *slog.Logger, m *metrics.Metrics, maxClients int) *Switchboard {
	if log == nil {
		log = slog.Default()
	}
	return &Switchboard{
		log:        log,
		metrics:    m,
		maxClients: maxClients,
		clients:    make(map[string]*client),
		byCaller:   make(map[string]*edge),
		byCallee:   make(map[string]*edge),
	}
}

// push is one pending notification, captured under the lock and delivered
// after it is released.
type push struct {
	name   string
	handle Pusher
	msg    wire.Message
}

// deliver writes queued notifications outside the lock. A failed push is
// logged and never aborts delivery to the remaining recipients.
func (sb *Switchboard) deliver(pushes []push) {
	for _, p := range pushes {
		if err := p.handle.Push(p.msg); err != nil {
			sb.metrics.Drop(metrics.DropReasonPushFailed)
			sb.log.Warn("push failed", "to", p.name, "kind", p.msg.Kind, "err", err)
		}
	}
}

// broadcastLocked queues the full current user list for every registered
// client.
func (sb *Switchboard) broadcastLocked() []push {
	msg := wire.Users(sb.usersLocked())
	pushes := make([]push, 0, len(sb.order))
	for _, name := range sb.order {
		pushes = append(pushes, push{name: name, handle: sb.clients[name].handle, msg: msg})
	}
	return pushes
}

func (sb *Switchboard) usersLocked() []string {
	names := make([]string, len(sb.order))
	copy(names, sb.order)
	return names
}

// Users returns all registered names in registration order.
func (sb *Switchboard) Users() []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.usersLocked()
}

// Lookup reports whether name is currently registered.
func (sb *Switchboard) Lookup(name string) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	_, ok := sb.clients[name]
	return ok
}

// StatusOf derives name's call state from the call table.
func (sb *Switchboard) StatusOf(name string) Status {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.statusLocked(name)
}

func (sb *Switchboard) statusLocked(name string) Status {
	if e := sb.byCaller[name]; e != nil {
		if e.active() {
			return StatusInCall
		}
		return StatusRingingOut
	}
	if e := sb.byCallee[name]; e != nil {
		if e.active() {
			return StatusInCall
		}
		return StatusRingingIn
	}
	return StatusIdle
}
