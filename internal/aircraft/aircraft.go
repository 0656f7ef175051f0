// Package aircraft holds the per-ICAO tracking record the coordinator
// updates as Mode S frames arrive, and the map type that owns the full set
// of currently-tracked aircraft. The map's Get/GetOrCreate/ForEach/RemoveIf
// shape is grounded on this codebase's existing AircraftMap, generalized
// from its GUI-display fields to the fields the MLAT coordinator needs.
package aircraft

import "github.com/mutability/mlat-client/internal/message"

// Aircraft is one ICAO address's tracking state.
type Aircraft struct {
	ICAO uint32

	Messages uint64 // frames seen since server_connected reset

	LastMessageTimestamp  uint64
	LastPositionTimestamp uint64
	LastAltitudeTimestamp uint64

	Altitude      int32
	AltitudeValid bool

	EvenMessage *message.Message
	OddMessage  *message.Message

	// Reported is true once this aircraft has been included in a seen
	// report sent to the server.
	Reported bool
	// Requested is true while the server wants MLAT results for this
	// aircraft (set by start_sending/stop_sending, or unconditionally when
	// the server hasn't negotiated selective_traffic).
	Requested bool
}

// New returns a fresh tracking record for icao.
func New(icao uint32) *Aircraft {
	return &Aircraft{ICAO: icao}
}

// Map owns the full set of tracked aircraft, keyed by 24-bit ICAO address.
type Map struct {
	aircraft map[uint32]*Aircraft
}

// NewMap returns an empty aircraft map.
func NewMap() *Map {
	return &Map{aircraft: make(map[uint32]*Aircraft)}
}

// Get returns the tracking record for icao, or nil if it isn't tracked.
func (m *Map) Get(icao uint32) *Aircraft {
	return m.aircraft[icao]
}

// GetOrCreate returns the existing record for icao, creating one if needed.
// The bool result is true when a new record was created.
func (m *Map) GetOrCreate(icao uint32) (*Aircraft, bool) {
	if ac, ok := m.aircraft[icao]; ok {
		return ac, false
	}
	ac := New(icao)
	m.aircraft[icao] = ac
	return ac, true
}

// Delete removes icao from the map.
func (m *Map) Delete(icao uint32) {
	delete(m.aircraft, icao)
}

// Len returns the number of tracked aircraft.
func (m *Map) Len() int {
	return len(m.aircraft)
}

// ForEach calls fn once per tracked aircraft. fn must not mutate the map;
// callers that need to delete while iterating should use RemoveIf.
func (m *Map) ForEach(fn func(*Aircraft)) {
	for _, ac := range m.aircraft {
		fn(ac)
	}
}

// RemoveIf deletes every aircraft for which shouldRemove returns true,
// invoking onRemove for each before it is deleted. Deletion happens in a
// second pass after the full set of candidates is gathered, since Go (like
// Python) does not allow safely mutating a map while ranging over it.
func (m *Map) RemoveIf(shouldRemove func(*Aircraft) bool, onRemove func(*Aircraft)) {
	var doomed []uint32
	for icao, ac := range m.aircraft {
		if shouldRemove(ac) {
			doomed = append(doomed, icao)
		}
	}
	for _, icao := range doomed {
		if onRemove != nil {
			onRemove(m.aircraft[icao])
		}
		delete(m.aircraft, icao)
	}
}

// Reset clears every tracked aircraft, used when a new server session starts
// (server_connected resets tracking so stale "requested" state from a prior
// session can't linger).
func (m *Map) Reset() {
	m.aircraft = make(map[uint32]*Aircraft)
}
