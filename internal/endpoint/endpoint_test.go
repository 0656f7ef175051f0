package endpoint

import (
	"net"
	"testing"
)

type recorder struct {
	connected int
	lost      int
	readable  [][]byte
}

func (r *recorder) OnConnected()          { r.connected++ }
func (r *recorder) OnLost()               { r.lost++ }
func (r *recorder) OnReadable(d []byte)   { r.readable = append(r.readable, append([]byte(nil), d...)) }

func fakeConnPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	return c1, c2
}

func TestProcessConnectedTransition(t *testing.T) {
	e := New("test", "example.invalid", 1)
	e.state = StateConnecting
	conn, _ := fakeConnPair(t)
	defer conn.Close()

	h := &recorder{}
	e.Process(Event{Conn: conn, writeCh: make(chan []byte, 1)}, h)

	if e.State() != StateConnected {
		t.Fatalf("state = %v, want Connected", e.State())
	}
	if h.connected != 1 {
		t.Fatalf("OnConnected called %d times, want 1", h.connected)
	}
}

func TestProcessIgnoresConnEventWhenNotConnecting(t *testing.T) {
	e := New("test", "example.invalid", 1)
	// state is Disconnected by default: a stray Conn event (from a stale
	// dial goroutine) must be rejected, not promote the state.
	conn, _ := fakeConnPair(t)
	defer conn.Close()

	h := &recorder{}
	e.Process(Event{Conn: conn, writeCh: make(chan []byte, 1)}, h)

	if e.State() != StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", e.State())
	}
	if h.connected != 0 {
		t.Fatalf("OnConnected called, want 0 calls")
	}
}

func TestProcessErrFromConnectedFiresOnLost(t *testing.T) {
	e := New("test", "example.invalid", 1)
	e.state = StateReady

	h := &recorder{}
	e.Process(Event{Err: errTest("boom")}, h)

	if e.State() != StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", e.State())
	}
	if h.lost != 1 {
		t.Fatalf("OnLost called %d times, want 1", h.lost)
	}
}

func TestProcessErrFromConnectingDoesNotFireOnLost(t *testing.T) {
	e := New("test", "example.invalid", 1)
	e.state = StateConnecting

	h := &recorder{}
	e.Process(Event{Err: errTest("dial failed")}, h)

	if h.lost != 0 {
		t.Fatalf("OnLost called, want 0 calls for a failed dial attempt")
	}
}

func TestProcessDataOnlyDispatchedWhenUp(t *testing.T) {
	e := New("test", "example.invalid", 1)
	h := &recorder{}

	// Disconnected: readable data is dropped.
	e.Process(Event{Data: []byte("hello")}, h)
	if len(h.readable) != 0 {
		t.Fatalf("OnReadable called while disconnected, want 0 calls")
	}

	e.state = StateReady
	e.Process(Event{Data: []byte("hello")}, h)
	if len(h.readable) != 1 {
		t.Fatalf("OnReadable called %d times, want 1", len(h.readable))
	}
}

func TestSendRejectsWhenNotConnected(t *testing.T) {
	e := New("test", "example.invalid", 1)
	if err := e.Send([]byte("x")); err != ErrNotConnected {
		t.Fatalf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestSendOverflow(t *testing.T) {
	e := New("test", "example.invalid", 1)
	e.writeCh = make(chan []byte, 1)
	big := make([]byte, MaxWriteBuffer+1)
	if err := e.Send(big); err != ErrWriteBufferOverflow {
		t.Fatalf("Send() = %v, want ErrWriteBufferOverflow", err)
	}
}

func TestMarkReadyOnlyFromConnected(t *testing.T) {
	e := New("test", "example.invalid", 1)
	e.state = StateConnecting
	e.MarkReady()
	if e.State() != StateConnecting {
		t.Fatalf("MarkReady promoted a Connecting endpoint; state = %v", e.State())
	}

	e.state = StateConnected
	e.MarkReady()
	if e.State() != StateReady {
		t.Fatalf("state = %v, want Ready", e.State())
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
