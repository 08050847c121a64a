package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
)

// State is the per-endpoint link state. Only the owning Session changes it.
type State int

const (
	StateUnopened State = iota
	StateOpened
	StateAsleep
	StateWakingUp
	StateStreaming
	StateTerminalReady
	StateUnrecognized
	StateIdentified
	StateReading
	StateConfiguring
	StateVerifying
	StateReconfigured
	StateError
)

var stateNames = [...]string{
	StateUnopened:      "unopened",
	StateOpened:        "opened",
	StateAsleep:        "asleep",
	StateWakingUp:      "waking-up",
	StateStreaming:     "streaming",
	StateTerminalReady: "terminal-ready",
	StateUnrecognized:  "unrecognized",
	StateIdentified:    "identified",
	StateReading:       "reading",
	StateConfiguring:   "configuring",
	StateVerifying:     "verifying",
	StateReconfigured:  "reconfigured",
	StateError:         "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// MarshalText lets states appear by name in JSON status output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

var (
	// ErrIdentityIncomplete is returned by Identify when product or serial
	// number is still unknown after the attempt budget. Not fatal.
	ErrIdentityIncomplete = errors.New("identity incomplete")
	// ErrVerifyMismatch means the sensor reports different settings than
	// the ones just written.
	ErrVerifyMismatch = errors.New("configuration verify mismatch")
	// ErrNotTerminal means configuration needs a Terminal-mode sensor.
	ErrNotTerminal = errors.New("sensor is not in terminal mode")
	// ErrWrongState is returned when an operation is called out of order.
	ErrWrongState = errors.New("operation not valid in current state")
	// ErrFailed is returned by every operation after the session hit Error.
	ErrFailed = errors.New("session failed")
)

// Event reports one state transition, for status lines and dashboards.
type Event struct {
	Endpoint string    `json:"endpoint"`
	Port     string    `json:"port"`
	RunID    string    `json:"runId,omitempty"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Reading is one frame's worth of measurements, handed to the caller by value.
type Reading struct {
	RunID        string               `json:"runId"`
	Endpoint     string               `json:"endpoint"`
	Port         string               `json:"port"`
	Type         sensor.Type          `json:"type"`
	Identity     sensor.Identity      `json:"identity"`
	Seq          uint64               `json:"seq"`
	At           time.Time            `json:"at"`
	Measurements []sensor.Measurement `json:"measurements"`
}

// Status is a point-in-time snapshot safe to read from other goroutines.
type Status struct {
	Endpoint  string          `json:"endpoint"`
	Port      string          `json:"port"`
	RunID     string          `json:"runId,omitempty"`
	State     State           `json:"state"`
	Since     time.Time       `json:"since"`
	Mode      string          `json:"mode"`
	Dialect   string          `json:"dialect"`
	Type      sensor.Type     `json:"type"`
	Identity  sensor.Identity `json:"identity"`
	Frames    uint64          `json:"frames"`
	Rejected  uint64          `json:"rejected"`
	Readings  uint64          `json:"readings"`
	LastError string          `json:"lastError,omitempty"`
}

// Observer receives counters for metrics. Implementations must be safe for
// concurrent use by several sessions.
type Observer interface {
	StateChanged(endpoint, state string)
	FrameAccepted(endpoint string)
	FrameRejected(endpoint, reason string)
	MeasurementsEmitted(endpoint string, n int)
	CommandFailed(endpoint, verb, reason string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, string)          {}
func (nopObserver) FrameAccepted(string)                 {}
func (nopObserver) FrameRejected(string, string)         {}
func (nopObserver) MeasurementsEmitted(string, int)      {}
func (nopObserver) CommandFailed(string, string, string) {}
