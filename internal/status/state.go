// Package status tracks the push transport's connection lifecycle as seen by
// the sync core.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
)

// State represents a connection state.
type State string

const (
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline:      {Connecting, Error},
	Connecting:   {Syncing, Ready, Reconnecting, Offline, Error},
	Syncing:      {Ready, Reconnecting, Offline, Error},
	Ready:        {Syncing, Reconnecting, Offline, Error},
	Reconnecting: {Connecting, Offline, Error},
	Error:        {Connecting, Offline},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Offline state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		since:   time.Now(),
		bus:     b,
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

// Connected reports whether outbound operations may use the transport.
func (m *Machine) Connected() bool {
	switch m.Current() {
	case Syncing, Ready:
		return true
	}
	return false
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
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.SessionStatusChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Walk applies the shortest chain of valid transitions that ends in to.
// It is used when the transport reports an outcome without the intermediate
// steps, e.g. a reconnect that completes while the machine is still Ready.
func (m *Machine) Walk(to State) error {
	if m.Current() == to {
		return nil
	}
	for _, path := range walkPaths[to] {
		if m.Current() != path.from {
			continue
		}
		for _, s := range path.via {
			if err := m.Transition(s); err != nil {
				return err
			}
		}
		return m.Transition(to)
	}
	return m.Transition(to)
}

type walk struct {
	from State
	via  []State
}

var walkPaths = map[State][]walk{
	Syncing: {
		{from: Offline, via: []State{Connecting}},
		{from: Reconnecting, via: []State{Connecting}},
		{from: Error, via: []State{Connecting}},
	},
	Reconnecting: {
		{from: Offline, via: []State{Connecting}},
	},
	Ready: {
		{from: Offline, via: []State{Connecting}},
		{from: Reconnecting, via: []State{Connecting}},
	},
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
