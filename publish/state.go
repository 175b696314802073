// Package publish drives program output to a remote endpoint: a streaming
// state machine with reconnect backoff, a transport sink abstraction, and
// an SRT sink implementation. Sink failures feed the machine; they are
// never fatal to the pipelines producing the frames.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the streaming lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePublishing
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrAttemptsExhausted is the terminal error after reconnect attempts run out.
var ErrAttemptsExhausted = errors.New("publish: reconnect attempts exhausted")

// ReconnectPolicy controls automatic reconnection after a session drop.
type ReconnectPolicy struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultReconnectPolicy returns the standard policy: five attempts with
// delays of 1, 2, 4, 8 and 16 seconds, capped at 30.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the wait before the given 1-based reconnect attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return min(p.InitialDelay, p.MaxDelay)
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Stats is a snapshot of session counters. Counters accumulate across a
// session and reset when a new one starts.
type Stats struct {
	State      string `json:"state"`
	FramesSent int64  `json:"framesSent"`
	BytesSent  int64  `json:"bytesSent"`
	Drops      int64  `json:"drops"`
	Reconnects int64  `json:"reconnects"`
	LastError  string `json:"lastError,omitempty"`
}

var legalTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateError, StateDisconnected},
	StateConnected:    {StatePublishing, StateReconnecting, StateError, StateDisconnected},
	StatePublishing:   {StateReconnecting, StateError, StateDisconnected},
	StateReconnecting: {StateConnecting, StateError, StateDisconnected},
	StateError:        {StateDisconnected},
}

// Machine is the streaming state machine. All transitions go through To or
// Fail; illegal transitions are rejected so callers cannot drive the
// session into an inconsistent state.
type Machine struct {
	log *slog.Logger

	mu      sync.Mutex
	state   State
	lastErr error

	framesSent atomic.Int64
	bytesSent  atomic.Int64
	drops      atomic.Int64
	reconnects atomic.Int64
}

// NewMachine creates a machine in the disconnected state. If log is nil,
// slog.Default() is used.
func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		log:   log.With("component", "publish-machine"),
		state: StateDisconnected,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To transitions to the given state, returning an error when the
// transition is not legal from the current state. Entering Connecting from
// Disconnected starts a new session and resets the counters.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !legalFrom(m.state, next) {
		return fmt.Errorf("publish: illegal transition %s -> %s", m.state, next)
	}
	if m.state == StateDisconnected && next == StateConnecting {
		m.framesSent.Store(0)
		m.bytesSent.Store(0)
		m.drops.Store(0)
		m.reconnects.Store(0)
		m.lastErr = nil
	}
	if next == StateReconnecting {
		m.reconnects.Add(1)
	}
	m.log.Info("state change", "from", m.state, "to", next)
	m.state = next
	return nil
}

// Fail records the reason and moves to the error state from any state
// except Disconnected.
func (m *Machine) Fail(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected || m.state == StateError {
		m.lastErr = reason
		return
	}
	m.log.Error("session failed", "from", m.state, "error", reason)
	m.state = StateError
	m.lastErr = reason
}

// LastError returns the most recent failure reason, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RecordSent accumulates a successfully sent payload.
func (m *Machine) RecordSent(bytes int) {
	m.framesSent.Add(1)
	m.bytesSent.Add(int64(bytes))
}

// RecordDrop accumulates one dropped payload.
func (m *Machine) RecordDrop() { m.drops.Add(1) }

// Stats returns a snapshot of the session counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	state := m.state
	lastErr := m.lastErr
	m.mu.Unlock()

	s := Stats{
		State:      state.String(),
		FramesSent: m.framesSent.Load(),
		BytesSent:  m.bytesSent.Load(),
		Drops:      m.drops.Load(),
		Reconnects: m.reconnects.Load(),
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}

func legalFrom(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
