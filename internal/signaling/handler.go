package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/callbridge/callbridge/internal/ratelimit"
	"github.com/callbridge/callbridge/internal/switchboard"
	"github.com/callbridge/callbridge/internal/wire"
)

// handler owns exactly one control connection for its lifetime. It reads the
// REGISTER bootstrap, then loops dispatching decoded messages into the
// switchboard and writing direct responses. Asynchronous pushes from other
// handlers arrive through Push and share the connection's serialized writer.
type handler struct {
	id   string
	srv  *Server
	conn controlConn
	log  *slog.Logger

	limiter *ratelimit.TokenBucket

	// mu guards name and closed, the only fields shared with Shutdown's
	// close call. name is set once registration succeeds and never changes
	// afterwards.
	mu     sync.Mutex
	name   string
	closed bool

	closeOnce sync.Once
}

// Push implements switchboard.Pusher.
func (h *handler) Push(msg wire.Message) error {
	return h.conn.WriteMessage([]byte(msg.Encode()))
}

func (h *handler) run() {
	defer h.close()

	if err := h.register(); err != nil {
		h.log.Info("registration failed", "err", err)
		return
	}
	h.log.Info("handler registered", "name", h.name)

	for {
		msg, err := h.read()
		if err != nil {
			// EOF, idle timeout and malformed input all take the same path:
			// the connection dies and cleanup runs in close.
			h.log.Info("handler read loop ended", "name", h.name, "err", err)
			return
		}
		if h.limiter != nil && !h.limiter.Allow(1) {
			h.srv.metrics.Drop(metrics.DropReasonRateLimited)
			_ = h.Push(wire.Error("Rate limit exceeded"))
			return
		}
		if done := h.dispatch(msg); done {
			return
		}
	}
}

// register performs the bootstrap exchange. Any failure is terminal for the
// connection: the client must reconnect to retry.
func (h *handler) register() error {
	msg, err := h.read()
	if err != nil {
		return err
	}
	if msg.Kind != wire.KindRegister {
		_ = h.Push(wire.Error("Not registered"))
		return fmt.Errorf("expected REGISTER, got %s", msg.Kind)
	}

	err = h.srv.board.Register(msg.Arg, h, remoteIPOf(h.conn.RemoteAddr()))
	switch {
	case errors.Is(err, switchboard.ErrDuplicateName):
		_ = h.Push(wire.Error("Name already taken"))
		return err
	case errors.Is(err, switchboard.ErrServerFull):
		_ = h.Push(wire.Error("Server full"))
		return err
	case err != nil:
		_ = h.Push(wire.Error("Registration failed"))
		return err
	}

	// The switchboard has already acked and broadcast the user list. A
	// concurrent close may have run before the name was recorded; in that
	// case this handler owns the rollback.
	h.mu.Lock()
	h.name = msg.Arg
	closed := h.closed
	h.mu.Unlock()
	if closed {
		h.srv.board.Unregister(msg.Arg)
		return errors.New("connection closed during registration")
	}
	return nil
}

// dispatch routes one inbound message. It returns true when the connection
// should be torn down.
func (h *handler) dispatch(msg wire.Message) bool {
	board := h.srv.board
	switch msg.Kind {
	case wire.KindCall:
		if err := board.Call(h.name, msg.Arg); err != nil {
			_ = h.Push(wire.Error(callErrorReason(err, msg.Arg)))
		}
	case wire.KindAccept:
		if err := board.Accept(h.name, msg.Arg); err != nil {
			_ = h.Push(wire.Error("Invalid call acceptance"))
		}
	case wire.KindReject:
		// An invalid rejection is ignored outright.
		_ = board.Reject(h.name, msg.Arg)
	case wire.KindEnd:
		// The partner is resolved from the current edge; the optional
		// argument is advisory and an argument naming nobody is a no-op.
		board.End(h.name)
	case wire.KindQuit:
		return true
	case wire.KindRegister:
		_ = h.Push(wire.Error("Already registered"))
	default:
		// Server-to-client kinds arriving from a client are a protocol
		// violation, handled like any other transport fault.
		h.log.Warn("unexpected message from client", "name", h.name, "kind", msg.Kind)
		return true
	}
	return false
}

func (h *handler) read() (wire.Message, error) {
	if h.srv.idleTimeout > 0 {
		_ = h.conn.SetReadDeadline(time.Now().Add(h.srv.idleTimeout))
	}
	data, err := h.conn.ReadMessage()
	if err != nil {
		return wire.Message{}, err
	}
	msg, err := wire.Parse(data)
	if err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

// close runs the disconnect path exactly once: the user leaves the presence
// registry, which also tears down any call they were part of.
func (h *handler) close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		name := h.name
		h.mu.Unlock()
		if name != "" {
			h.srv.board.Unregister(name)
		}
		_ = h.conn.Close()
		h.srv.untrack(h)
		h.log.Info("handler closed", "name", name)
	})
}

// callErrorReason maps a call-setup failure to the client-facing reason.
func callErrorReason(err error, target string) string {
	switch {
	case errors.Is(err, switchboard.ErrUnknownUser):
		return fmt.Sprintf("User %s not found", target)
	case errors.Is(err, switchboard.ErrBusy):
		return "User is busy"
	case errors.Is(err, switchboard.ErrNotRegistered):
		return "Not registered"
	default:
		return "Call failed"
	}
}
