package relay

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(1, testLogger())
	if err := r.Start(0, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func dialEgress(t *testing.T, r *Relay) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.EgressAddr())
	if err != nil {
		t.Fatalf("dial egress: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendIngest(t *testing.T, r *Relay, data []byte) {
	t.Helper()
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(r.IngestPort())))
	if err != nil {
		t.Fatalf("dial ingest: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write ingest: %v", err)
	}
}

func waitForConnections(t *testing.T, r *Relay, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.ConnectionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection count = %d, want %d", r.ConnectionCount(), want)
}

func TestRelayFanOut(t *testing.T) {
	r := startRelay(t)

	c1 := dialEgress(t, r)
	c2 := dialEgress(t, r)
	waitForConnections(t, r, 2)

	payload := []byte("mpegts-chunk-0001")
	sendIngest(t, r, payload)

	for i, c := range []net.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatalf("consumer %d read: %v", i, err)
		}
		if !bytes.Equal(buf, payload) {
			t.Errorf("consumer %d got %q, want %q", i, buf, payload)
		}
	}
}

func TestRelayPreservesChunkOrder(t *testing.T) {
	r := startRelay(t)

	c := dialEgress(t, r)
	waitForConnections(t, r, 1)

	var want []byte
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 100)
		want = append(want, chunk...)
		sendIngest(t, r, chunk)
		// Pace sends so each datagram arrives whole and in order.
		time.Sleep(10 * time.Millisecond)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("chunk stream mismatch")
	}
}

func TestRelayRemovesClosedConnection(t *testing.T) {
	r := startRelay(t)

	c1 := dialEgress(t, r)
	c2 := dialEgress(t, r)
	waitForConnections(t, r, 2)

	c1.Close()

	payload := []byte("after-close")
	// The first broadcast may still land in the closed socket's buffer
	// before the peer reset is visible; send until the relay notices.
	deadline := time.Now().Add(2 * time.Second)
	for r.ConnectionCount() == 2 && time.Now().Before(deadline) {
		sendIngest(t, r, payload)
		time.Sleep(20 * time.Millisecond)
	}
	if got := r.ConnectionCount(); got != 1 {
		t.Fatalf("connection count after close = %d, want 1", got)
	}

	// The surviving consumer still receives.
	sendIngest(t, r, payload)
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c2.Read(buf); err != nil {
		t.Fatalf("surviving consumer read: %v", err)
	}
}

func TestRelaySlowConsumerDoesNotBlockOthers(t *testing.T) {
	r := startRelay(t)

	slow := dialEgress(t, r)
	fast := dialEgress(t, r)
	waitForConnections(t, r, 2)

	// Shrink the slow consumer's receive window so its socket buffer
	// fills quickly, then never read from it.
	slow.(*net.TCPConn).SetReadBuffer(1)

	chunk := bytes.Repeat([]byte{0x47}, 1316)
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, len(chunk))
		for i := 0; i < 200; i++ {
			fast.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := io.ReadFull(fast, buf); err != nil {
				t.Errorf("fast consumer read %d: %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		sendIngest(t, r, chunk)
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fast consumer starved behind slow consumer")
	}

	// The slow consumer lost chunks but kept its connection.
	if got := r.ConnectionCount(); got != 2 {
		t.Errorf("connection count = %d, want 2", got)
	}
}

func TestRelayStopDisconnectsConsumers(t *testing.T) {
	r := New(2, testLogger())
	if err := r.Start(0, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c := dialEgress(t, r)
	waitForConnections(t, r, 1)

	r.Stop()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err == nil {
		t.Error("expected read error after relay stop")
	}
	if got := r.ConnectionCount(); got != 0 {
		t.Errorf("connection count after stop = %d, want 0", got)
	}

	// Idempotent.
	r.Stop()
}

func TestRelayDoubleStartFails(t *testing.T) {
	r := startRelay(t)
	if err := r.Start(0, 0); err == nil {
		t.Error("expected error on second Start")
	}
}

func TestRelayAddConnectionAfterStop(t *testing.T) {
	r := New(3, testLogger())
	if err := r.Start(0, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	r.Stop()

	// A connection racing with shutdown is closed, not leaked.
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go net.Dial("tcp", ln.Addr().String())
	conn, err := ln.AcceptTCP()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	r.AddConnection(conn)
	if got := r.ConnectionCount(); got != 0 {
		t.Errorf("connection count = %d, want 0", got)
	}
}
