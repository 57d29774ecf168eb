// Package signaling implements the control-channel surface: the accept loop
// for stream connections, a WebSocket adapter speaking the same protocol, and
// the per-connection handlers that drive the switchboard.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/callbridge/callbridge/internal/ratelimit"
	"github.com/callbridge/callbridge/internal/switchboard"
)

// Config wires together the runtime dependencies of the control channel.
type Config struct {
	Board   *switchboard.Switchboard
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// IdleTimeout reclaims connections from clients that vanish without a
	// clean disconnect. <= 0 disables the read deadline.
	IdleTimeout time.Duration

	// MaxMessageBytes bounds one inbound control message.
	MaxMessageBytes int

	// MessagesPerSecond rate-limits inbound control messages per connection.
	// <= 0 applies the default.
	MessagesPerSecond int
}

const (
	defaultMaxMessageBytes   = 4 * 1024
	defaultMessagesPerSecond = 50
)

// Server is the connection lifecycle manager: it accepts control connections,
// spawns exactly one handler per connection, and guarantees that shutdown
// reaches every live handler before the registry is cleared.
type Server struct {
	board   *switchboard.Switchboard
	log     *slog.Logger
	metrics *metrics.Metrics

	idleTimeout       time.Duration
	maxMessageBytes   int
	messagesPerSecond int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[*handler]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = defaultMessagesPerSecond
	}
	return &Server{
		board:             cfg.Board,
		log:               log,
		metrics:           cfg.Metrics,
		idleTimeout:       cfg.IdleTimeout,
		maxMessageBytes:   maxBytes,
		messagesPerSecond: perSecond,
		upgrader: websocket.Upgrader{
			// The control protocol authenticates by name, not origin; browser
			// front ends are served from arbitrary hosts.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: make(map[*handler]struct{}),
	}
}

// Serve accepts control connections until ctx is canceled or the listener
// fails. Cancellation closes the listener to unblock Accept; handler drain is
// Shutdown's job.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.log.Info("control server serving", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.startHandler(newNetConn(conn, s.maxMessageBytes))
	}
}

// WebSocketHandler upgrades HTTP requests into control connections carrying
// one protocol message per text frame.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.startHandler(newWSConn(conn, s.maxMessageBytes, s.idleTimeout))
	})
}

func (s *Server) startHandler(conn controlConn) {
	h := &handler{
		id:      uuid.NewString(),
		srv:     s,
		conn:    conn,
		limiter: ratelimit.NewTokenBucket(nil, int64(s.messagesPerSecond), int64(s.messagesPerSecond)),
	}
	h.log = s.log.With("conn_id", h.id, "remote", conn.RemoteAddr().String())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.handlers[h] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		h.run()
	}()
}

func (s *Server) untrack(h *handler) {
	s.mu.Lock()
	delete(s.handlers, h)
	s.mu.Unlock()
}

// Shutdown closes every live control connection and waits for the handlers to
// drain, bounded by ctx. Once drained, the registry is cleared.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handlers := make([]*handler, 0, len(s.handlers))
	for h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.board.Clear()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
