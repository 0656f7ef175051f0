// Package endpoint implements a generic reconnecting TCP client. An Endpoint
// owns a single net.Conn, a background dial/read goroutine, and a background
// write goroutine. Its connection state changes only in the methods the
// owning executor calls from its single event loop (Process, Reconnect,
// Disconnect, Heartbeat, MarkReady). The goroutines here move bytes and
// report outcomes on a channel; the only Endpoint fields they touch are the
// atomic generation and pending-byte counters.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/mutability/mlat-client/internal/clock"
)

// State is one of the four connection lifecycle states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// DefaultReconnectInterval is the fixed reconnect delay absent any override
// (the server link may override it from the handshake response).
const DefaultReconnectInterval = 30 * time.Second

// MaxWriteBuffer bounds the outbound byte buffer; exceeding it is a
// WriteBufferOverflow.
const MaxWriteBuffer = 65536

var (
	// ErrNotConnected is returned by Send when there is no live connection.
	ErrNotConnected = errors.New("endpoint: not connected")
	// ErrWriteBufferOverflow is returned by Send when the outbound buffer
	// would exceed MaxWriteBuffer.
	ErrWriteBufferOverflow = errors.New("endpoint: write buffer overflow")
)

// Handler receives the three events an Endpoint's owner must react to.
// Called only from the executor goroutine via Process.
type Handler interface {
	OnConnected()
	OnLost()
	OnReadable(data []byte)
}

// Event is a single occurrence reported by a background goroutine. Exactly
// one of Conn, Err, or Data is set.
type Event struct {
	Conn    net.Conn
	writeCh chan []byte
	Err     error
	Data    []byte
}

// Endpoint is a generic reconnecting TCP client. All exported methods other
// than Events are meant to be called only from the single executor
// goroutine that owns this Endpoint.
type Endpoint struct {
	Name              string
	Addr              string
	DialTimeout       time.Duration
	ReconnectInterval time.Duration

	state       State
	conn        net.Conn
	writeCh     chan []byte
	reconnectAt *float64

	generation   atomic.Uint64
	pendingBytes atomic.Int64
	events       chan Event
}

// New builds a disconnected Endpoint targeting host:port.
func New(name, host string, port int) *Endpoint {
	return &Endpoint{
		Name:              name,
		Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		DialTimeout:       10 * time.Second,
		ReconnectInterval: DefaultReconnectInterval,
		state:             StateDisconnected,
		events:            make(chan Event, 256),
	}
}

// State returns the endpoint's current connection state.
func (e *Endpoint) State() State { return e.state }

// Events is the channel the executor selects on.
func (e *Endpoint) Events() <-chan Event { return e.events }

// MarkReady promotes a Connected endpoint to Ready once the owner's
// higher-level protocol handshake (if any) has completed.
func (e *Endpoint) MarkReady() {
	if e.state == StateConnected {
		e.state = StateReady
	}
}

// Reconnect attempts a new connection. If already connected in some form it
// is torn down first (without scheduling another reconnect, since we're
// about to try one immediately).
func (e *Endpoint) Reconnect() {
	if e.state != StateDisconnected {
		e.teardown()
		e.state = StateDisconnected
	}
	e.state = StateConnecting
	e.reconnectAt = nil
	gen := e.generation.Load()
	go e.dialAndRun(gen)
}

// Disconnect tears the connection down and does NOT schedule a reconnect.
func (e *Endpoint) Disconnect(reason string) {
	if e.state == StateDisconnected {
		return
	}
	log.Printf("%s: disconnecting from %s: %s", e.Name, e.Addr, reason)
	e.teardown()
	e.state = StateDisconnected
}

// DisconnectAndReconnect tears the connection down for a locally-detected
// protocol error (write overflow, unsupported compression, malformed JSON)
// and schedules the normal reconnect delay.
func (e *Endpoint) DisconnectAndReconnect(reason string) {
	e.Disconnect(reason)
	e.scheduleReconnect()
}

// Heartbeat is the 1Hz tick: if a reconnect is due, attempt it.
func (e *Endpoint) Heartbeat(now float64) {
	if e.state == StateReady {
		return
	}
	if e.reconnectAt == nil || *e.reconnectAt > now {
		return
	}
	e.reconnectAt = nil
	e.Reconnect()
}

// Send enqueues data for the background writer. It never blocks: the byte
// count is checked against MaxWriteBuffer before the data is queued.
func (e *Endpoint) Send(data []byte) error {
	if e.writeCh == nil {
		return ErrNotConnected
	}
	n := e.pendingBytes.Add(int64(len(data)))
	if n > MaxWriteBuffer {
		return ErrWriteBufferOverflow
	}
	select {
	case e.writeCh <- data:
		return nil
	default:
		e.pendingBytes.Add(-int64(len(data)))
		return ErrWriteBufferOverflow
	}
}

// Process applies one event to the endpoint's state and invokes the
// matching Handler callback. Must be called only from the executor.
func (e *Endpoint) Process(ev Event, h Handler) {
	switch {
	case ev.Conn != nil:
		if e.state != StateConnecting {
			_ = ev.Conn.Close()
			return
		}
		e.conn = ev.Conn
		e.writeCh = ev.writeCh
		e.pendingBytes.Store(0)
		e.state = StateConnected
		h.OnConnected()

	case ev.Err != nil:
		wasUp := e.state == StateConnected || e.state == StateReady
		e.teardown()
		e.state = StateDisconnected
		e.scheduleReconnect()
		if wasUp {
			log.Printf("%s: lost connection to %s: %v", e.Name, e.Addr, ev.Err)
			h.OnLost()
		} else {
			log.Printf("%s: connection to %s failed: %v", e.Name, e.Addr, ev.Err)
		}

	case ev.Data != nil:
		if e.state == StateConnected || e.state == StateReady {
			h.OnReadable(ev.Data)
		}
	}
}

func (e *Endpoint) scheduleReconnect() {
	if e.reconnectAt != nil {
		return
	}
	at := clock.Now() + e.ReconnectInterval.Seconds()
	e.reconnectAt = &at
	log.Printf("%s: reconnecting in %s", e.Name, e.ReconnectInterval)
}

func (e *Endpoint) teardown() {
	e.generation.Add(1)
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	if e.writeCh != nil {
		close(e.writeCh)
		e.writeCh = nil
	}
	e.pendingBytes.Store(0)
}

func (e *Endpoint) dialAndRun(gen uint64) {
	conn, err := net.DialTimeout("tcp", e.Addr, e.DialTimeout)
	if err != nil {
		e.emit(gen, Event{Err: fmt.Errorf("dial: %w", err)})
		return
	}

	writeCh := make(chan []byte, 64)
	go e.writeLoop(gen, conn, writeCh)

	if !e.emit(gen, Event{Conn: conn, writeCh: writeCh}) {
		conn.Close()
		return
	}

	buf := make([]byte, 16384)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !e.emit(gen, Event{Data: data}) {
				return
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				e.emit(gen, Event{Err: io.EOF})
			} else {
				e.emit(gen, Event{Err: rerr})
			}
			return
		}
	}
}

func (e *Endpoint) writeLoop(gen uint64, conn net.Conn, ch chan []byte) {
	for data := range ch {
		_, err := conn.Write(data)
		if e.generation.Load() == gen {
			e.pendingBytes.Add(-int64(len(data)))
		}
		if err != nil {
			return
		}
	}
}

// emit delivers ev to the events channel, dropping it if a newer generation
// has since started (this goroutine's connection is stale).
func (e *Endpoint) emit(gen uint64, ev Event) bool {
	if e.generation.Load() != gen {
		return false
	}
	e.events <- ev
	return e.generation.Load() == gen
}

// DialContext is exposed for tests that want to drive a fake listener with a
// bounded setup timeout.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
