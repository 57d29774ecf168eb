// Package media implements the datagram relay between the two parties of an
// active call.
//
// The relay is a single goroutine draining one connectionless socket.
// Datagrams carry no session header, so every packet is demultiplexed
// centrally: the source address resolves to a registered sender, the sender's
// current partner is looked up, and the payload is forwarded verbatim to the
// partner's last-known media address. Forwarding is strictly best-effort,
// unordered and at-most-once; anything that cannot be routed is dropped
// silently and only counted.
package media

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/callbridge/callbridge/internal/metrics"
)

// Router resolves where an inbound datagram must be forwarded. Implemented by
// the switchboard.
type Router interface {
	ObserveMedia(src netip.AddrPort) (dst netip.AddrPort, ok bool)
}

const maxDatagramBytes = 64 * 1024

type Relay struct {
	conn    net.PacketConn
	router  Router
	log     *slog.Logger
	metrics *metrics.Metrics

	// maxPayload caps accepted datagram payloads; larger packets are dropped.
	// <= 0 means no cap below the transport's own limit.
	maxPayload int
}

func New(conn net.PacketConn, router Router, log *slog.Logger, m *metrics.Metrics, maxPayload int) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		conn:       conn,
		router:     router,
		log:        log,
		metrics:    m,
		maxPayload: maxPayload,
	}
}

// Run drains the media socket until ctx is canceled or the socket fails.
// Cancellation closes the socket to unblock the read.
func (r *Relay) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.Close()
	})
	defer stop()

	r.log.Info("media relay running", "addr", r.conn.LocalAddr().String())

	buf := make([]byte, maxDatagramBytes)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if r.maxPayload > 0 && n > r.maxPayload {
			r.metrics.Drop(metrics.DropReasonOversizedMedia)
			continue
		}

		src, ok := addrPortOf(addr)
		if !ok {
			r.metrics.Drop(metrics.DropReasonUnknownSender)
			continue
		}

		dst, ok := r.router.ObserveMedia(src)
		if !ok {
			// Expected while a call is still ringing, or from strangers.
			continue
		}

		if _, err := r.conn.WriteTo(buf[:n], net.UDPAddrFromAddrPort(dst)); err != nil {
			r.log.Debug("media forward failed", "dst", dst.String(), "err", err)
			continue
		}
		r.metrics.RelayForwarded(n)
	}
}

// addrPortOf normalizes a datagram source address, unmapping IPv4-in-IPv6 so
// addresses compare equal regardless of the socket's address family.
func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
