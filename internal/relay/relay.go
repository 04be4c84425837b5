// Package relay forwards the transcoder's continuous feed from a loopback
// UDP ingest socket to any number of TCP egress connections. Consumers join
// and leave at any time; a slow consumer loses chunks, never stalls the rest.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pvolkov/streamrelay/internal/metrics"
)

const (
	readBufferSize = 64 * 1024
	// Best-effort send budget per connection. A consumer whose socket
	// buffer stays full past this loses the chunk, not the connection.
	writeTimeout = 10 * time.Millisecond
)

// ErrNotRunning is returned for operations on a relay that is not running.
var ErrNotRunning = errors.New("relay not running")

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// Relay fans one ingest byte stream out to all connected consumers.
// Single-use: a stopped relay is terminal, a new session gets a new relay.
type Relay struct {
	streamID int
	logger   *slog.Logger

	ingest   *net.UDPConn
	listener *net.TCPListener

	mu    sync.Mutex
	state state
	conns map[string]*net.TCPConn

	wg sync.WaitGroup
}

// New creates a relay for one stream session.
func New(streamID int, logger *slog.Logger) *Relay {
	return &Relay{
		streamID: streamID,
		logger:   logger,
		conns:    make(map[string]*net.TCPConn),
	}
}

// Start binds the ingest and egress sockets and launches the forwarding
// loops. Port 0 binds an ephemeral port; the bound addresses are available
// from IngestPort and EgressAddr afterwards.
func (r *Relay) Start(ingestPort, egressPort int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateCreated {
		return fmt.Errorf("relay for stream %d already started", r.streamID)
	}

	ingestAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ingestPort}
	ingest, err := net.ListenUDP("udp", ingestAddr)
	if err != nil {
		return fmt.Errorf("failed to bind ingest socket: %w", err)
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: egressPort})
	if err != nil {
		ingest.Close()
		return fmt.Errorf("failed to bind egress socket: %w", err)
	}

	r.ingest = ingest
	r.listener = listener
	r.state = stateRunning

	r.logger.Info("Relay started",
		"stream_id", r.streamID,
		"ingest", ingest.LocalAddr().String(),
		"egress", listener.Addr().String())

	r.wg.Add(2)
	go r.ingestLoop()
	go r.acceptLoop()

	return nil
}

// IngestPort returns the bound UDP ingest port.
func (r *Relay) IngestPort() int {
	if r.ingest == nil {
		return 0
	}
	return r.ingest.LocalAddr().(*net.UDPAddr).Port
}

// EgressAddr returns the bound TCP egress address.
func (r *Relay) EgressAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// ingestLoop reads chunks from the transcoder and broadcasts each one.
func (r *Relay) ingestLoop() {
	defer r.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, _, err := r.ingest.ReadFromUDP(buf)
		if err != nil {
			if r.stopped() {
				return
			}
			r.logger.Warn("Ingest read error", "stream_id", r.streamID, "error", err)
			continue
		}
		if n > 0 {
			r.broadcast(buf[:n])
		}
	}
}

// acceptLoop registers new egress connections as they arrive.
func (r *Relay) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.AcceptTCP()
		if err != nil {
			if r.stopped() {
				return
			}
			r.logger.Warn("Accept error", "stream_id", r.streamID, "error", err)
			continue
		}
		r.AddConnection(conn)
	}
}

// AddConnection registers an egress connection. Nagle coalescing is disabled
// so relayed chunks reach the consumer with minimal added latency. Safe to
// call concurrently with ongoing broadcasts.
func (r *Relay) AddConnection(conn *net.TCPConn) {
	if err := conn.SetNoDelay(true); err != nil {
		r.logger.Debug("Failed to disable Nagle", "stream_id", r.streamID, "error", err)
	}

	id := uuid.NewString()

	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conns[id] = conn
	count := len(r.conns)
	r.mu.Unlock()

	metrics.SetRelayConnections(r.streamID, count)
	r.logger.Info("Consumer connected",
		"stream_id", r.streamID, "conn_id", id, "remote", conn.RemoteAddr().String(), "total", count)
}

// broadcast copies one chunk to every connection, best-effort per consumer.
// A full socket buffer drops the chunk for that consumer only; a broken
// connection is removed from the set.
func (r *Relay) broadcast(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) == 0 {
		return
	}

	var dead []string
	for id, conn := range r.conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := conn.Write(chunk)
		switch {
		case err == nil:
			metrics.AddRelayedBytes(r.streamID, len(chunk))
		case isTimeout(err):
			// Consumer not draining: drop this chunk, keep the connection.
			metrics.IncDroppedChunks(r.streamID)
		default:
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		r.removeLocked(id)
	}
}

// removeLocked closes and deletes a connection. Caller holds r.mu.
func (r *Relay) removeLocked(id string) {
	if conn, ok := r.conns[id]; ok {
		conn.Close()
		delete(r.conns, id)
		metrics.SetRelayConnections(r.streamID, len(r.conns))
		r.logger.Info("Consumer disconnected",
			"stream_id", r.streamID, "conn_id", id, "total", len(r.conns))
	}
}

// ConnectionCount returns the current number of egress connections.
func (r *Relay) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Stop closes the ingest and egress sockets, disconnects every consumer and
// joins the forwarding loops. No broadcast happens after Stop returns.
// Idempotent.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	r.state = stateStopped

	// Closing the sockets unblocks the loops.
	r.ingest.Close()
	r.listener.Close()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
	r.mu.Unlock()

	metrics.SetRelayConnections(r.streamID, 0)
	r.logger.Info("Relay stopped", "stream_id", r.streamID)
}

func (r *Relay) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateStopped
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
