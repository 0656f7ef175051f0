// Package coordinator implements the Coordinator state machine: the core
// that ties the receiver feed and the server link together, routes
// received frames through per-DF handlers, applies the selection policy
// that decides what gets uplinked, and drives the 1 Hz heartbeat that in
// turn drives periodic reporting and expiry.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mutability/mlat-client/internal/aircraft"
	"github.com/mutability/mlat-client/internal/clock"
	"github.com/mutability/mlat-client/internal/endpoint"
	"github.com/mutability/mlat-client/internal/feed"
	"github.com/mutability/mlat-client/internal/message"
	"github.com/mutability/mlat-client/internal/monitoring"
	"github.com/mutability/mlat-client/internal/serverlink"
)

const (
	reportInterval = 15.0
	expiryInterval = 60.0
	// minMessagesBeforeUplink is the "messages < 10: accumulate silently"
	// shared precondition.
	minMessagesBeforeUplink = 10
)

// Coordinator owns the receiver feed and the server link and is the single
// executor: every exported method below other than Run is reached only
// from Run's event loop, directly or via the feed.Listener/serverlink.Listener
// callbacks, so none of it needs locking.
type Coordinator struct {
	feed   *feed.BeastFeed
	server *serverlink.ServerLink

	aircraft         *aircraft.Map
	newlySeen        map[uint32]struct{}
	requestedTraffic map[uint32]struct{}

	randomDropCutoff byte

	haveLastRcv      bool
	lastRcvTimestamp uint64

	deadlinesArmed bool
	nextReport     float64
	nextExpiry     float64

	inputUp  bool
	fatalErr error
}

// New builds a Coordinator wired to a receiver at feedHost:feedPort and an
// MLAT server at serverHost:serverPort. randomDropPercent is the CLI
// --random-drop value (0..100).
func New(
	feedHost string, feedPort int,
	serverHost string, serverPort int,
	offerZlib bool, hsConfig serverlink.HandshakeConfig,
	randomDropPercent float64,
) *Coordinator {
	c := &Coordinator{
		aircraft:         aircraft.NewMap(),
		newlySeen:        make(map[uint32]struct{}),
		requestedTraffic: make(map[uint32]struct{}),
		randomDropCutoff: randomDropCutoffFromPercent(randomDropPercent),
	}
	c.feed = feed.New(feedHost, feedPort, c)
	c.server = serverlink.New(serverHost, serverPort, offerZlib, hsConfig, c)
	return c
}

func randomDropCutoffFromPercent(percent float64) byte {
	fraction := percent / 100.0
	if fraction <= 0 {
		return 0
	}
	if fraction >= 1 {
		return 255
	}
	return byte(math.Floor(255 * fraction))
}

// tsSince returns current-reference in 12MHz sample units, clamped to zero
// rather than wrapping if reference is somehow ahead of current.
func tsSince(current, reference uint64) uint64 {
	if current < reference {
		return 0
	}
	return current - reference
}

// Run is the single-threaded executor: it owns the poll loop and is the
// only goroutine that ever calls into Coordinator, BeastFeed, or
// ServerLink state. It returns when ctx is cancelled or a fatal error
// (currently only ParserStuckError) occurs.
func (c *Coordinator) Run(ctx context.Context) error {
	c.server.Endpoint().Reconnect()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	lastTick := clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-c.feed.Endpoint().Events():
			if ok {
				c.feed.Endpoint().Process(ev, c.feed)
			}

		case ev, ok := <-c.server.Endpoint().Events():
			if ok {
				c.server.Endpoint().Process(ev, c.server)
			}

		case <-ticker.C:
			now := clock.Now()
			if now-lastTick >= 1.0 {
				lastTick = now
				c.heartbeat(now)
			}
		}

		if c.fatalErr != nil {
			return c.fatalErr
		}
	}
}

func (c *Coordinator) heartbeat(now float64) {
	c.feed.Endpoint().Heartbeat(now)
	c.server.Heartbeat(now)

	if !c.deadlinesArmed {
		return
	}
	if now >= c.nextReport {
		c.nextReport = now + reportInterval
		c.sendAircraftReport()
	}
	if now >= c.nextExpiry {
		c.nextExpiry = now + expiryInterval
		c.expire()
	}
}

// OnInputConnected implements feed.Listener.
func (c *Coordinator) OnInputConnected() {
	c.inputUp = true
	if c.server.Endpoint().State() == endpoint.StateReady {
		c.server.SendInputStatus(true)
	}
}

// OnInputDisconnected implements feed.Listener.
func (c *Coordinator) OnInputDisconnected() {
	c.inputUp = false
	if c.server.Endpoint().State() == endpoint.StateReady {
		c.server.SendInputStatus(false)
	}
}

// OnFatal implements feed.Listener. Only ParserStuckError is ever reported
// here; it ends the process.
func (c *Coordinator) OnFatal(err error) {
	log.Printf("fatal: %v", err)
	c.fatalErr = err
}

// OnMessages implements feed.Listener: the receiver-message pipeline.
func (c *Coordinator) OnMessages(msgs []message.Message) {
	_, span := monitoring.Tracer.Start(context.Background(), "coordinator.OnMessages")
	span.SetAttributes(attribute.Int("mlat.batch_size", len(msgs)))
	defer span.End()

	for _, m := range msgs {
		monitoring.MessagesReceived.WithLabelValues(fmt.Sprintf("%d", m.DF)).Inc()

		if c.randomDropCutoff > 0 && m.ChecksumByte() < c.randomDropCutoff {
			monitoring.MessagesDropped.WithLabelValues("random_drop").Inc()
			continue
		}

		if c.haveLastRcv && m.Timestamp < c.lastRcvTimestamp {
			// The receiver's clock jumped backward (typically after a
			// reconnect). Abort the whole batch and leave
			// lastRcvTimestamp untouched; subsequent batches are dropped
			// here too until timestamps climb back past it. No "reset"
			// heuristic, by design.
			monitoring.MessagesDropped.WithLabelValues("timestamp_regression").Inc()
			return
		}
		c.lastRcvTimestamp = m.Timestamp
		c.haveLastRcv = true

		if !m.Valid {
			monitoring.MessagesDropped.WithLabelValues("invalid").Inc()
			return
		}

		c.dispatch(m)
	}
}

func (c *Coordinator) dispatch(m message.Message) {
	switch m.DF {
	case 0, 4, 16, 20:
		if ac := c.aircraft.Get(m.Address); ac != nil {
			c.handleMiscAlt(ac, m)
		}
	case 5, 21:
		if ac := c.aircraft.Get(m.Address); ac != nil {
			ac.Messages++
			c.handleMiscNoAlt(ac, m)
		}
	case 11:
		ac, isNew := c.aircraft.GetOrCreate(m.Address)
		if isNew {
			ac.Requested = c.isRequested(m.Address)
		}
		ac.Messages++
		c.handleDF11(ac, m, isNew)
	case 17:
		ac, isNew := c.aircraft.GetOrCreate(m.Address)
		if isNew {
			ac.Requested = c.isRequested(m.Address)
		}
		ac.Messages++
		c.handleDF17(ac, m, isNew)
	default:
		monitoring.MessagesDropped.WithLabelValues("unhandled_df").Inc()
	}
}

// sharedPreconditions applies the preconditions common to every handler, in
// order. Returns true if the handler may proceed to emit an uplink frame.
func (c *Coordinator) sharedPreconditions(ac *aircraft.Aircraft, m message.Message) bool {
	if ac.Messages < minMessagesBeforeUplink {
		return false
	}
	if ac.Reported && !ac.Requested {
		return false
	}
	if tsSince(m.Timestamp, ac.LastPositionTimestamp) < clock.TS(60) {
		return false
	}
	if !ac.Reported {
		c.reportAircraft(ac)
		return false
	}
	return true
}

func (c *Coordinator) reportAircraft(ac *aircraft.Aircraft) {
	ac.Reported = true
	if !c.server.SelectiveTraffic() {
		ac.Requested = true
	}
	c.newlySeen[ac.ICAO] = struct{}{}
}

func (c *Coordinator) isRequested(addr uint32) bool {
	_, ok := c.requestedTraffic[addr]
	return ok
}

// handleMiscAlt is the DF 0/4/16/20 handler: altitude-bearing surveillance
// replies. A frame with no usable altitude doesn't even count toward the
// message-count bootstrap threshold.
func (c *Coordinator) handleMiscAlt(ac *aircraft.Aircraft, m message.Message) {
	if !m.AltitudeValid || m.Altitude == 0 {
		return
	}
	ac.Messages++
	ac.LastMessageTimestamp = m.Timestamp
	ac.LastAltitudeTimestamp = m.Timestamp
	ac.Altitude = m.Altitude
	ac.AltitudeValid = true

	if !c.sharedPreconditions(ac, m) {
		return
	}
	c.server.SendMLAT(m)
}

// handleMiscNoAlt is the DF 5/21 handler: identity replies, no altitude of
// their own. It borrows the aircraft's most recent altitude observation (if
// fresh enough) and annotates the uplink frame with it via SendMLATAndAlt.
func (c *Coordinator) handleMiscNoAlt(ac *aircraft.Aircraft, m message.Message) {
	ac.LastMessageTimestamp = m.Timestamp

	if tsSince(m.Timestamp, ac.LastAltitudeTimestamp) > clock.TS(15) {
		return
	}
	if !c.sharedPreconditions(ac, m) {
		return
	}
	c.server.SendMLATAndAlt(m, ac.Altitude)
}

// handleDF11 is the all-call-reply handler.
func (c *Coordinator) handleDF11(ac *aircraft.Aircraft, m message.Message, isNew bool) {
	if isNew {
		return
	}
	ac.LastMessageTimestamp = m.Timestamp

	if tsSince(m.Timestamp, ac.LastAltitudeTimestamp) > clock.TS(15) {
		return
	}
	if !c.sharedPreconditions(ac, m) {
		return
	}
	c.server.SendMLATAndAlt(m, ac.Altitude)
}

// handleDF17 is the extended-squitter handler: airborne position frames
// feed the even/odd CPR pair used for a sync point.
func (c *Coordinator) handleDF17(ac *aircraft.Aircraft, m message.Message, isNew bool) {
	if isNew {
		// A fresh DF17 burst shouldn't trigger its own MLAT request: the
		// aircraft is, by definition, reporting its own position.
		ac.LastPositionTimestamp = m.Timestamp
	}

	if !m.EvenCPR && !m.OddCPR {
		return // not a position ES frame
	}
	if !m.AltitudeValid {
		return
	}

	ac.LastMessageTimestamp = m.Timestamp
	stored := m
	if m.EvenCPR {
		ac.EvenMessage = &stored
	} else {
		ac.OddMessage = &stored
	}
	ac.LastPositionTimestamp = m.Timestamp

	if ac.EvenMessage == nil || ac.OddMessage == nil {
		return
	}
	diff := int64(ac.EvenMessage.Timestamp) - int64(ac.OddMessage.Timestamp)
	if diff < 0 {
		diff = -diff
	}
	if uint64(diff) > clock.TS(5) {
		return
	}
	if !c.sharedPreconditions(ac, m) {
		return
	}
	c.server.SendSync(*ac.EvenMessage, *ac.OddMessage)
}

// expire walks the aircraft map for entries that have aged out. Deletion
// happens in a second pass: RemoveIf gathers doomed
// keys before deleting any of them, since ranging over a Go map while
// deleting from it is unsafe in general.
func (c *Coordinator) expire() {
	var lost []uint32
	removed := 0
	c.aircraft.RemoveIf(
		func(ac *aircraft.Aircraft) bool {
			return tsSince(c.lastRcvTimestamp, ac.LastMessageTimestamp) > clock.TS(60)
		},
		func(ac *aircraft.Aircraft) {
			removed++
			if ac.Reported {
				lost = append(lost, ac.ICAO)
			}
			monitoring.AircraftExpired.Inc()
		},
	)
	if len(lost) > 0 {
		c.server.SendLost(lost)
	}
	monitoring.AircraftTracked.Set(float64(c.aircraft.Len()))
	monitoring.Debugf("expire: removed %d aircraft, %d tracked", removed, c.aircraft.Len())
}

func (c *Coordinator) sendAircraftReport() {
	if len(c.newlySeen) == 0 {
		return
	}
	addrs := make([]uint32, 0, len(c.newlySeen))
	for addr := range c.newlySeen {
		addrs = append(addrs, addr)
	}
	c.server.SendSeen(addrs)
	c.newlySeen = make(map[uint32]struct{})
}

// OnServerConnected implements serverlink.Listener.
func (c *Coordinator) OnServerConnected() {
	c.aircraft.Reset()
	c.requestedTraffic = make(map[uint32]struct{})
	c.newlySeen = make(map[uint32]struct{})
	c.haveLastRcv = false

	now := clock.Now()
	c.nextReport = now + reportInterval
	c.nextExpiry = now + expiryInterval
	c.deadlinesArmed = true

	if c.feed.Endpoint().State() != endpoint.StateReady {
		c.feed.Endpoint().Reconnect()
	}
	monitoring.Debugf("server session established")
}

// OnServerDisconnected implements serverlink.Listener.
func (c *Coordinator) OnServerDisconnected() {
	c.feed.Endpoint().Disconnect("server link down, nothing useful to feed")
	c.deadlinesArmed = false
}

// OnStartSending implements serverlink.Listener.
func (c *Coordinator) OnStartSending(addrs []uint32) {
	for _, addr := range addrs {
		c.requestedTraffic[addr] = struct{}{}
		if ac := c.aircraft.Get(addr); ac != nil {
			ac.Requested = true
		}
	}
}

// OnStopSending implements serverlink.Listener.
func (c *Coordinator) OnStopSending(addrs []uint32) {
	for _, addr := range addrs {
		delete(c.requestedTraffic, addr)
		if ac := c.aircraft.Get(addr); ac != nil {
			ac.Requested = false
		}
	}
}

// OnMLATResult implements serverlink.Listener. The original client leaves
// this as a documented no-op hook (local SBS output etc. is out of scope
// here); this port records it as a metric and a debug trace only.
func (c *Coordinator) OnMLATResult(r serverlink.Result) {
	monitoring.MLATResultsReceived.Inc()
	monitoring.Debugf("mlat result icao=%06x lat=%.5f lon=%.5f alt=%.0f nstations=%d",
		r.Addr, r.Lat, r.Lon, r.Alt, r.NStations)
}
