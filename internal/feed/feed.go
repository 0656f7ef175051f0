// Package feed implements BeastFeed, the receiver-side specialization of
// endpoint.Endpoint: it frames the raw Beast byte stream into
// message.Message records and tells the coordinator when the receiver
// connection comes up or goes down.
package feed

import (
	"github.com/mutability/mlat-client/internal/beast"
	"github.com/mutability/mlat-client/internal/endpoint"
	"github.com/mutability/mlat-client/internal/message"
	"github.com/mutability/mlat-client/internal/mlaterr"
	"github.com/mutability/mlat-client/internal/monitoring"
)

// maxUnconsumed is the largest amount of buffered-but-unframed data the
// packetizer is allowed to accumulate before the stream is judged to not be
// a Beast stream at all. A single Beast frame is at most 2 (escape+type) +
// 2*(6+1+14) escaped bytes; 512 gives ample slack for escaping overhead
// without masking a genuinely stuck parser.
const maxUnconsumed = 512

// Listener receives BeastFeed's four kinds of notification. Implemented by
// the coordinator.
type Listener interface {
	OnInputConnected()
	OnInputDisconnected()
	OnMessages(msgs []message.Message)
	OnFatal(err error)
}

// BeastFeed is a reconnecting Beast-protocol client.
type BeastFeed struct {
	ep       *endpoint.Endpoint
	listener Listener
	buf      []byte
}

// New builds a BeastFeed targeting host:port. It is not yet connected;
// call Endpoint().Reconnect() to start.
func New(host string, port int, listener Listener) *BeastFeed {
	return &BeastFeed{
		ep:       endpoint.New("beast", host, port),
		listener: listener,
	}
}

// Endpoint exposes the underlying reconnecting TCP client so the executor
// can select on its event channel and drive its heartbeat.
func (f *BeastFeed) Endpoint() *endpoint.Endpoint { return f.ep }

// OnConnected implements endpoint.Handler. A Beast feed has no handshake of
// its own: the moment the TCP connection is up, it's ready.
func (f *BeastFeed) OnConnected() {
	f.buf = f.buf[:0]
	f.ep.MarkReady()
	monitoring.ReconnectsTotal.WithLabelValues("beast").Inc()
	f.listener.OnInputConnected()
}

// OnLost implements endpoint.Handler.
func (f *BeastFeed) OnLost() {
	f.listener.OnInputDisconnected()
}

// OnReadable implements endpoint.Handler: accumulate, packetize, dispatch.
func (f *BeastFeed) OnReadable(data []byte) {
	f.buf = append(f.buf, data...)

	consumed, msgs := beast.Packetize(f.buf)
	if consumed > 0 {
		remaining := len(f.buf) - consumed
		copy(f.buf, f.buf[consumed:])
		f.buf = f.buf[:remaining]
	}

	if len(msgs) > 0 {
		f.listener.OnMessages(msgs)
	}

	if len(f.buf) > maxUnconsumed {
		f.listener.OnFatal(&mlaterr.ParserStuckError{Unconsumed: len(f.buf)})
	}
}
