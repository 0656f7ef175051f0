// Package serverlink implements ServerLink, the MLAT-server-side
// specialization of endpoint.Endpoint: a JSON handshake, a line-framed JSON
// downlink, and an uplink that is either plain newline-delimited JSON or
// length-prefixed zlib SYNC_FLUSH blocks.
package serverlink

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mutability/mlat-client/internal/endpoint"
	"github.com/mutability/mlat-client/internal/message"
	"github.com/mutability/mlat-client/internal/mlaterr"
	"github.com/mutability/mlat-client/internal/monitoring"
)

// syncFlushTrailer is the four bytes a flate/zlib SYNC_FLUSH always ends
// with when there is any pending data to flush.
var syncFlushTrailer = []byte{0x00, 0x00, 0xff, 0xff}

// zlibFlushThreshold is the accumulated-compressed-bytes watermark that
// triggers a SYNC_FLUSH and block emission.
const zlibFlushThreshold = 32768

// maxBlockSize is the post-strip block size bound; exceeding it is a
// protocol-level bug in this implementation, not a runtime condition that
// should ever trigger given zlibFlushThreshold.
const maxBlockSize = 65536

// serverHeartbeatInterval is how often a heartbeat is sent once the server
// has asked for one in its handshake response.
const serverHeartbeatInterval = 120.0

// HandshakeConfig is the receiver-coordinate payload forwarded verbatim to
// the server in the first handshake line.
type HandshakeConfig struct {
	Lat  float64
	Lon  float64
	Alt  float64
	User string
	// RandomDropPercent is a 0..100 percentage, as taken from the CLI; the
	// handshake wire field is a 0..1 fraction, converted in sendHandshake.
	RandomDropPercent float64
}

// Result is a parsed "result" downlink command: a computed MLAT fix.
type Result struct {
	Addr      uint32
	Lat       float64
	Lon       float64
	Alt       float64
	Callsign  string
	Squawk    string
	HDOP      float64
	VDOP      float64
	TDOP      float64
	GDOP      float64
	NStations int
}

// Listener receives ServerLink's lifecycle and downlink-command
// notifications. Implemented by the coordinator.
type Listener interface {
	OnServerConnected()
	OnServerDisconnected()
	OnStartSending(addrs []uint32)
	OnStopSending(addrs []uint32)
	OnMLATResult(Result)
}

// ServerLink is a reconnecting client for the MLAT aggregation server.
type ServerLink struct {
	ep        *endpoint.Endpoint
	listener  Listener
	config    HandshakeConfig
	offerZlib bool

	handshakeReceived bool
	connectedNotified bool

	compress string // "none" or "zlib"
	zlibBuf  *bytes.Buffer
	zlibW    *zlib.Writer

	readBuf []byte

	selectiveTraffic bool
	heartbeatEnabled bool
	nextHeartbeat    float64
}

// New builds a ServerLink targeting host:port. offerZlib controls whether
// zlib is included in the handshake's advertised compression methods
// (the --no-compression CLI flag disables it).
func New(host string, port int, offerZlib bool, cfg HandshakeConfig, listener Listener) *ServerLink {
	return &ServerLink{
		ep:        endpoint.New("server", host, port),
		listener:  listener,
		config:    cfg,
		offerZlib: offerZlib,
		compress:  "none",
	}
}

// Endpoint exposes the underlying reconnecting TCP client.
func (s *ServerLink) Endpoint() *endpoint.Endpoint { return s.ep }

// SelectiveTraffic reports whether the server negotiated selective traffic
// (ac.Requested is authoritative) or not (every reported aircraft is
// implicitly requested).
func (s *ServerLink) SelectiveTraffic() bool { return s.selectiveTraffic }

// OnConnected implements endpoint.Handler: send the plaintext handshake.
func (s *ServerLink) OnConnected() {
	s.readBuf = s.readBuf[:0]
	s.handshakeReceived = false
	s.compress = "none"
	s.zlibW = nil
	s.zlibBuf = nil
	s.sendHandshake()
}

// OnLost implements endpoint.Handler.
func (s *ServerLink) OnLost() {
	if s.connectedNotified {
		s.connectedNotified = false
		s.listener.OnServerDisconnected()
	}
}

// OnReadable implements endpoint.Handler: split into lines, dispatch each.
func (s *ServerLink) OnReadable(data []byte) {
	s.readBuf = append(s.readBuf, data...)
	start := 0
	for {
		idx := bytes.IndexByte(s.readBuf[start:], '\n')
		if idx < 0 {
			break
		}
		end := start + idx
		line := append([]byte(nil), s.readBuf[start:end]...)
		s.dispatchLine(line)
		start = end + 1
	}
	remaining := len(s.readBuf) - start
	copy(s.readBuf, s.readBuf[start:])
	s.readBuf = s.readBuf[:remaining]
}

func (s *ServerLink) dispatchLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	if !s.handshakeReceived {
		s.handshakeReceived = true
		s.handleHandshakeResponse(line)
		return
	}
	s.handleCommand(line)
}

func (s *ServerLink) sendHandshake() {
	methods := []string{"none"}
	if s.offerZlib {
		methods = append(methods, "zlib")
	}
	req := map[string]interface{}{
		"version":           2,
		"compress":          methods,
		"selective_traffic": true,
		"heartbeat":         true,
		"return_results":    true,
		"lat":               s.config.Lat,
		"lon":               s.config.Lon,
		"alt":               s.config.Alt,
		"user":              s.config.User,
		"random_drop":       s.config.RandomDropPercent / 100.0,
	}
	line, err := json.Marshal(req)
	if err != nil {
		log.Printf("serverlink: failed to marshal handshake: %v", err)
		return
	}
	line = append(line, '\n')
	if err := s.ep.Send(line); err != nil {
		s.ep.DisconnectAndReconnect(fmt.Sprintf("failed to send handshake: %v", err))
	}
}

func (s *ServerLink) handleHandshakeResponse(line []byte) {
	if !gjson.ValidBytes(line) {
		s.ep.DisconnectAndReconnect("malformed handshake response")
		return
	}
	resp := gjson.ParseBytes(line)

	if r := resp.Get("reconnect_in"); r.Exists() {
		s.ep.ReconnectInterval = time.Duration(r.Float() * float64(time.Second))
	}

	if d := resp.Get("deny"); d.Exists() {
		var reasons []string
		d.ForEach(func(_, v gjson.Result) bool {
			reasons = append(reasons, v.String())
			return true
		})
		reason := strings.Join(reasons, "; ")
		log.Printf("server denied connection: %s", reason)
		s.ep.DisconnectAndReconnect((&mlaterr.ServerRejectedError{Reason: reason}).Error())
		return
	}

	if m := resp.Get("motd"); m.Exists() && m.String() != "" {
		log.Printf("server motd: %s", m.String())
	}

	compress := "none"
	if c := resp.Get("compress"); c.Exists() {
		compress = c.String()
	}
	switch compress {
	case "none":
		s.compress = "none"
	case "zlib":
		if !s.offerZlib {
			s.ep.DisconnectAndReconnect((&mlaterr.UnsupportedCompressionError{Scheme: compress}).Error())
			return
		}
		s.compress = "zlib"
		s.zlibBuf = &bytes.Buffer{}
		w, err := zlib.NewWriterLevel(s.zlibBuf, 1)
		if err != nil {
			s.ep.DisconnectAndReconnect((&mlaterr.UnsupportedCompressionError{Scheme: compress}).Error())
			return
		}
		s.zlibW = w
	default:
		s.ep.DisconnectAndReconnect((&mlaterr.UnsupportedCompressionError{Scheme: compress}).Error())
		return
	}

	s.selectiveTraffic = resp.Get("selective_traffic").Bool()
	s.heartbeatEnabled = resp.Get("heartbeat").Bool()
	s.nextHeartbeat = 0 // fire the first heartbeat as soon as it's due

	s.ep.MarkReady()
	s.connectedNotified = true
	s.listener.OnServerConnected()
}

func (s *ServerLink) handleCommand(line []byte) {
	if !gjson.ValidBytes(line) {
		s.ep.DisconnectAndReconnect((&mlaterr.ProtocolViolationError{Detail: "malformed downlink line"}).Error())
		return
	}
	r := gjson.ParseBytes(line)

	switch {
	case r.Get("start_sending").Exists():
		s.listener.OnStartSending(parseHexICAOList(r.Get("start_sending")))
	case r.Get("stop_sending").Exists():
		s.listener.OnStopSending(parseHexICAOList(r.Get("stop_sending")))
	case r.Get("heartbeat").Exists():
		// ignored: receipt of any downlink line at all is sufficient
		// liveness evidence.
	case r.Get("result").Exists():
		s.listener.OnMLATResult(parseResult(r.Get("result")))
	default:
		log.Printf("serverlink: unrecognized downlink message, ignoring")
	}
}

// Heartbeat drives the endpoint's reconnect check and, once ready and the
// server has asked for heartbeats, emits one every 120s.
func (s *ServerLink) Heartbeat(now float64) {
	s.ep.Heartbeat(now)
	if s.ep.State() != endpoint.StateReady || !s.heartbeatEnabled {
		return
	}
	if now < s.nextHeartbeat {
		return
	}
	s.nextHeartbeat = now + serverHeartbeatInterval
	s.SendHeartbeat(now)
}

func hexICAO(addr uint32) string {
	return fmt.Sprintf("%06x", addr&0xFFFFFF)
}

// SendSeen reports newly-seen aircraft.
func (s *ServerLink) SendSeen(addrs []uint32) {
	if len(addrs) == 0 {
		return
	}
	s.sendJSON(map[string]interface{}{"seen": hexList(addrs)}, false)
}

// SendLost reports aircraft that have expired.
func (s *ServerLink) SendLost(addrs []uint32) {
	if len(addrs) == 0 {
		return
	}
	s.sendJSON(map[string]interface{}{"lost": hexList(addrs)}, false)
}

// SendMLAT reports a raw timed frame with no decoded altitude.
func (s *ServerLink) SendMLAT(m message.Message) {
	s.sendJSON(map[string]interface{}{
		"mlat": map[string]interface{}{"t": m.Timestamp, "m": m.Hex()},
	}, false)
	monitoring.UplinkSent.WithLabelValues("mlat").Inc()
}

// SendMLATAndAlt reports a raw timed frame with a decoded altitude.
func (s *ServerLink) SendMLATAndAlt(m message.Message, alt int32) {
	s.sendJSON(map[string]interface{}{
		"mlat": map[string]interface{}{"t": m.Timestamp, "m": m.Hex(), "a": alt},
	}, false)
	monitoring.UplinkSent.WithLabelValues("mlat_alt").Inc()
}

// SendSync reports an even/odd CPR pair usable as a sync point.
func (s *ServerLink) SendSync(even, odd message.Message) {
	s.sendJSON(map[string]interface{}{
		"sync": map[string]interface{}{
			"et": even.Timestamp, "em": even.Hex(),
			"ot": odd.Timestamp, "om": odd.Hex(),
		},
	}, false)
	monitoring.UplinkSent.WithLabelValues("sync").Inc()
}

// SendHeartbeat emits a liveness heartbeat, forcing any pending zlib output
// out immediately so it can't get stuck behind the flush threshold.
func (s *ServerLink) SendHeartbeat(now float64) {
	rounded := math.Round(now*10) / 10
	s.sendJSON(map[string]interface{}{"heartbeat": rounded}, true)
}

// SendInputStatus reports the receiver feed's connection state.
func (s *ServerLink) SendInputStatus(connected bool) {
	if connected {
		s.sendJSON(map[string]interface{}{"input_connected": "OK"}, true)
	} else {
		s.sendJSON(map[string]interface{}{"input_disconnected": "no longer connected"}, true)
	}
}

func hexList(addrs []uint32) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = hexICAO(a)
	}
	return out
}

func (s *ServerLink) sendJSON(obj map[string]interface{}, forceFlush bool) {
	line, err := json.Marshal(obj)
	if err != nil {
		log.Printf("serverlink: failed to marshal uplink message: %v", err)
		return
	}
	line = append(line, '\n')
	s.enqueueLine(line, forceFlush)
}

func (s *ServerLink) enqueueLine(line []byte, forceFlush bool) {
	if s.compress != "zlib" {
		s.handleWriteError(s.ep.Send(line))
		return
	}
	if _, err := s.zlibW.Write(line); err != nil {
		s.ep.DisconnectAndReconnect(fmt.Sprintf("zlib compressor error: %v", err))
		return
	}
	s.handleWriteError(s.flushZlib(forceFlush))
}

// flushZlib issues a SYNC_FLUSH and emits a length-prefixed block once the
// accumulated compressed output reaches zlibFlushThreshold, or always when
// force is set (used for heartbeats, which must never get stuck behind the
// size watermark).
func (s *ServerLink) flushZlib(force bool) error {
	if s.zlibBuf.Len() < zlibFlushThreshold && !force {
		return nil
	}
	if err := s.zlibW.Flush(); err != nil {
		return fmt.Errorf("zlib flush: %w", err)
	}
	data := s.zlibBuf.Bytes()
	if len(data) == 0 {
		return nil
	}
	if !bytes.HasSuffix(data, syncFlushTrailer) {
		return &mlaterr.ProtocolViolationError{Detail: "zlib SYNC_FLUSH did not produce the expected trailer"}
	}
	payload := data[:len(data)-len(syncFlushTrailer)]
	if len(payload) >= maxBlockSize {
		return &mlaterr.ProtocolViolationError{Detail: "zlib block exceeded the maximum frame size"}
	}
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(payload)))
	copy(frame[2:], payload)
	s.zlibBuf.Reset()
	return s.ep.Send(frame)
}

func (s *ServerLink) handleWriteError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, endpoint.ErrWriteBufferOverflow) {
		s.ep.DisconnectAndReconnect((&mlaterr.WriteBufferOverflowError{}).Error())
		return
	}
	log.Printf("serverlink: %v", err)
	s.ep.DisconnectAndReconnect(err.Error())
}

func parseHexICAOList(v gjson.Result) []uint32 {
	var out []uint32
	v.ForEach(func(_, item gjson.Result) bool {
		if addr, ok := parseHexAddr(item.String()); ok {
			out = append(out, addr)
		}
		return true
	})
	return out
}

func parseHexAddr(s string) (uint32, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func parseResult(v gjson.Result) Result {
	addr, _ := parseHexAddr(v.Get("addr").String())
	return Result{
		Addr:      addr,
		Lat:       v.Get("lat").Float(),
		Lon:       v.Get("lon").Float(),
		Alt:       v.Get("alt").Float(),
		Callsign:  v.Get("callsign").String(),
		Squawk:    v.Get("squawk").String(),
		HDOP:      v.Get("hdop").Float(),
		VDOP:      v.Get("vdop").Float(),
		TDOP:      v.Get("tdop").Float(),
		GDOP:      v.Get("gdop").Float(),
		NStations: int(v.Get("nstations").Int()),
	}
}

