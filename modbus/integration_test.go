package modbus

import (
	"context"
	"net"
	"testing"
	"time"
)

// startTestServer starts srv in the background on an ephemeral port and
// returns its bound address and a cleanup function.
func startTestServer(t *testing.T, backend Backend) (*Server, net.Addr, func()) {
	t.Helper()
	srv := NewServer(
		WithListenAddress("127.0.0.1:0"),
		WithServerBackend(backend),
		WithServerLogger(DiscardLogger),
	)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	var addr net.Addr
	for i := 0; i < 200; i++ {
		srv.listenersMu.Lock()
		if len(srv.listeners) > 0 {
			addr = srv.listeners[0].Addr()
		}
		srv.listenersMu.Unlock()
		if addr != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("server did not start listening in time")
	}

	cleanup := func() {
		srv.Shutdown()
		cancel()
		<-errCh
	}
	return srv, addr, cleanup
}

func TestClientServerReadHoldingRegisters(t *testing.T) {
	backend := NewMemoryBackend(0, 0, 0, 256)
	if err := backend.WriteHoldingRegisters(context.Background(), 0x6B, []uint16{0x022B, 0x0000, 0x0064}); err != nil {
		t.Fatalf("seed: %s", err)
	}

	_, addr, cleanup := startTestServer(t, backend)
	defer cleanup()

	client := NewClient(WithClientLogger(DiscardLogger), WithResponseTimeout(2*time.Second))
	ctx := context.Background()
	if err := client.ConnectToServer(ctx, addr.String(), "", IPAny, 2*time.Second); err != nil {
		t.Fatalf("ConnectToServer: %s", err)
	}
	defer client.Disconnect()

	regs, err := client.ReadHoldingRegisters(ctx, 0x6B, 3)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %s", err)
	}
	want := []uint16{0x022B, 0x0000, 0x0064}
	for i, v := range want {
		if regs[i] != v {
			t.Fatalf("register %d = %#x, want %#x", i, regs[i], v)
		}
	}
}

func TestClientServerWriteSingleCoil(t *testing.T) {
	backend := NewMemoryBackend(32, 0, 0, 0)
	_, addr, cleanup := startTestServer(t, backend)
	defer cleanup()

	client := NewClient(WithClientLogger(DiscardLogger))
	ctx := context.Background()
	if err := client.ConnectToServer(ctx, addr.String(), "", IPAny, 2*time.Second); err != nil {
		t.Fatalf("ConnectToServer: %s", err)
	}
	defer client.Disconnect()

	if err := client.WriteSingleCoil(ctx, 5, true); err != nil {
		t.Fatalf("WriteSingleCoil: %s", err)
	}
	got, err := backend.ReadCoils(ctx, 5, 1)
	if err != nil {
		t.Fatalf("ReadCoils: %s", err)
	}
	if !got[0] {
		t.Fatal("coil 5 was not set")
	}
}

// TestClientResponseTimeout exercises end-to-end scenario 7: a peer that
// accepts the connection but never answers causes the call to fail with
// KindTimeout after the configured response timeout.
func TestClientResponseTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client := NewClient(WithClientLogger(DiscardLogger), WithResponseTimeout(time.Second))
	ctx := context.Background()
	if err := client.ConnectToServer(ctx, ln.Addr().String(), "", IPAny, 2*time.Second); err != nil {
		t.Fatalf("ConnectToServer: %s", err)
	}
	defer client.Disconnect()

	conn := <-accepted
	defer conn.Close()

	start := time.Now()
	_, err = client.ReadCoils(ctx, 0, 1)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error")
	}
	e, ok := err.(*Error)
	if !ok || e.Kind != KindTimeout {
		t.Fatalf("got %v, want KindTimeout", err)
	}
	if elapsed < time.Second {
		t.Fatalf("returned after %s, want >= 1s", elapsed)
	}
}

// TestClientPrematureClose exercises §4.8's premature-close handling: a
// peer that accepts the connection and then closes it without answering
// causes the in-flight call to fail with KindConnectionClosed, and a
// subsequent call fails fast with KindNotConnected rather than retrying on
// the dead socket.
func TestClientPrematureClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client := NewClient(WithClientLogger(DiscardLogger), WithResponseTimeout(2*time.Second))
	ctx := context.Background()
	if err := client.ConnectToServer(ctx, ln.Addr().String(), "", IPAny, 2*time.Second); err != nil {
		t.Fatalf("ConnectToServer: %s", err)
	}
	defer client.Disconnect()

	conn := <-accepted
	conn.Close()

	_, err = client.ReadCoils(ctx, 0, 1)
	if err == nil {
		t.Fatal("expected a connection_closed error")
	}
	e, ok := err.(*Error)
	if !ok || e.Kind != KindConnectionClosed {
		t.Fatalf("got %v, want KindConnectionClosed", err)
	}

	_, err = client.ReadCoils(ctx, 0, 1)
	e, ok = err.(*Error)
	if !ok || e.Kind != KindNotConnected {
		t.Fatalf("second call got %v, want KindNotConnected", err)
	}
}

func TestServerShutdownIdempotent(t *testing.T) {
	backend := NewMemoryBackend(0, 0, 0, 0)
	srv, _, cleanup := startTestServer(t, backend)
	defer cleanup()
	// calling Shutdown again must not panic or block.
	srv.Shutdown()
	srv.Shutdown()
}
