package feed

import (
	"testing"

	"github.com/mutability/mlat-client/internal/message"
)

type fakeListener struct {
	connected    int
	disconnected int
	batches      [][]message.Message
	fatal        error
}

func (f *fakeListener) OnInputConnected()                 { f.connected++ }
func (f *fakeListener) OnInputDisconnected()               { f.disconnected++ }
func (f *fakeListener) OnMessages(msgs []message.Message)  { f.batches = append(f.batches, msgs) }
func (f *fakeListener) OnFatal(err error)                  { f.fatal = err }

const escape = 0x1A

func beastLongFrame(ts uint64, data []byte) []byte {
	tsb := []byte{
		byte(ts >> 40), byte(ts >> 32), byte(ts >> 24),
		byte(ts >> 16), byte(ts >> 8), byte(ts),
	}
	var out []byte
	out = append(out, escape, '3')
	for _, b := range append(append(tsb, 0x00), data...) {
		out = append(out, b)
		if b == escape {
			out = append(out, escape)
		}
	}
	return out
}

var refDF17 = []byte{0x8D, 0x40, 0x62, 0x1D, 0x58, 0xC3, 0x82, 0xD6, 0x90, 0xC8, 0xAC, 0x28, 0x63, 0xA7}

func TestOnConnectedResetsBufferAndNotifies(t *testing.T) {
	fl := &fakeListener{}
	f := New("127.0.0.1", 1, fl)
	f.buf = append(f.buf, 0x01, 0x02)

	f.OnConnected()

	if len(f.buf) != 0 {
		t.Fatalf("buf not reset on connect, len = %d", len(f.buf))
	}
	if fl.connected != 1 {
		t.Fatalf("OnInputConnected called %d times, want 1", fl.connected)
	}
}

func TestOnLostNotifies(t *testing.T) {
	fl := &fakeListener{}
	f := New("127.0.0.1", 1, fl)
	f.OnLost()
	if fl.disconnected != 1 {
		t.Fatalf("OnInputDisconnected called %d times, want 1", fl.disconnected)
	}
}

func TestOnReadableDispatchesCompleteFramesAndKeepsPartial(t *testing.T) {
	fl := &fakeListener{}
	f := New("127.0.0.1", 1, fl)

	complete := beastLongFrame(1, refDF17)
	partial := beastLongFrame(2, refDF17)
	partial = partial[:len(partial)-3]

	f.OnReadable(append(append([]byte{}, complete...), partial...))

	if len(fl.batches) != 1 || len(fl.batches[0]) != 1 {
		t.Fatalf("batches = %+v, want one batch of one message", fl.batches)
	}
	if len(f.buf) == 0 {
		t.Fatalf("partial frame bytes were dropped, buf is empty")
	}
}

// TestOnReadableDropsUnframedBytesWithoutGettingStuck checks that a run of
// bytes containing no escape marker at all is discarded outright rather
// than accumulating in the buffer, since Packetize reports it as fully
// consumed.
func TestOnReadableDropsUnframedBytesWithoutGettingStuck(t *testing.T) {
	fl := &fakeListener{}
	f := New("127.0.0.1", 1, fl)

	junk := make([]byte, maxUnconsumed+100)
	for i := range junk {
		junk[i] = 0xFF // never an escape byte, never frames
	}
	f.OnReadable(junk)

	if fl.fatal != nil {
		t.Fatalf("OnFatal = %v, want nil: unframed bytes with no marker should be dropped, not buffered", fl.fatal)
	}
	if len(f.buf) != 0 {
		t.Fatalf("buf retained %d bytes of unframed junk, want 0", len(f.buf))
	}
}
