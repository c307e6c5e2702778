package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/matheus3301/convsync/internal/bus"
)

// State is the push channel connection state of a session.
type State string

const (
	Connecting State = "connecting"
	Online     State = "online"
	Offline    State = "offline"
)

// validTransitions defines allowed state transitions. A session starts
// Offline and only reaches Online through Connecting.
var validTransitions = map[State][]State{
	Offline:    {Connecting},
	Connecting: {Online, Offline},
	Online:     {Offline},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
	clock   clock.Clock
}

// NewMachine creates a new state machine starting in Offline state. clk
// stamps every transition; nil means the wall clock.
func NewMachine(b *bus.Bus, clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		current: Offline,
		since:   clk.Now(),
		bus:     b,
		clock:   clk,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = m.clock.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
