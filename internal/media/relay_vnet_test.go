package media_test

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"

	"github.com/callbridge/callbridge/internal/media"
	"github.com/callbridge/callbridge/internal/switchboard"
)

// TestRelay_VirtualNetwork runs the relay across a simulated network with
// distinct client IPs, so sender attribution exercises the control-IP path
// instead of loopback port disambiguation.
func TestRelay_VirtualNetwork(t *testing.T) {
	const (
		cidr     = "10.0.0.0/24"
		serverIP = "10.0.0.1"
		ipA      = "10.0.0.2"
		ipB      = "10.0.0.3"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	serverNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{serverIP}})
	if err != nil {
		t.Fatalf("new server net: %v", err)
	}
	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	for _, n := range []*vnet.Net{serverNet, netA, netB} {
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net: %v", err)
		}
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	sb := switchboard.New(nil, nil, 0)
	if err := sb.Register("alice", nopHandle{}, netip.MustParseAddr(ipA)); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	if err := sb.Register("bob", nopHandle{}, netip.MustParseAddr(ipB)); err != nil {
		t.Fatalf("Register bob: %v", err)
	}
	if err := sb.Call("alice", "bob"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := sb.Accept("bob", "alice"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	serverConn, err := serverNet.ListenPacket("udp4", serverIP+":6000")
	if err != nil {
		t.Fatalf("server ListenPacket: %v", err)
	}
	t.Cleanup(func() { _ = serverConn.Close() })

	relay := media.New(serverConn, sb, nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	connA, err := netA.ListenPacket("udp4", ipA+":40000")
	if err != nil {
		t.Fatalf("ListenPacket A: %v", err)
	}
	t.Cleanup(func() { _ = connA.Close() })
	connB, err := netB.ListenPacket("udp4", ipB+":40000")
	if err != nil {
		t.Fatalf("ListenPacket B: %v", err)
	}
	t.Cleanup(func() { _ = connB.Close() })

	serverAddr := &net.UDPAddr{IP: net.ParseIP(serverIP), Port: 6000}

	// Teach both addresses.
	if _, err := connA.WriteTo([]byte("hello-a"), serverAddr); err != nil {
		t.Fatalf("WriteTo A: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := connB.WriteTo([]byte("hello-b"), serverAddr); err != nil {
		t.Fatalf("WriteTo B: %v", err)
	}

	_ = connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := connA.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom A: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello-b")) {
		t.Fatalf("alice received %q, want %q", buf[:n], "hello-b")
	}

	if _, err := connA.WriteTo([]byte("media-frame"), serverAddr); err != nil {
		t.Fatalf("WriteTo A: %v", err)
	}
	_ = connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = connB.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom B: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("media-frame")) {
		t.Fatalf("bob received %q, want %q", buf[:n], "media-frame")
	}
}
