package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect is the Terminal command syntax a firmware generation accepts.
type Dialect int

const (
	// DialectFW2 uses "$GET P" / "$SET P=V" and upper-case verbs.
	DialectFW2 Dialect = iota
	// DialectFW3 uses "Get P" / "Set P(V)" and mixed-case verbs.
	DialectFW3
)

func (d Dialect) String() string {
	if d == DialectFW3 {
		return "fw3"
	}
	return "fw2"
}

// ParseDialects turns a config value into the dialects to try, in order.
// "auto" (or empty) tries FW2 first, then FW3.
func ParseDialects(s string) ([]Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return []Dialect{DialectFW2, DialectFW3}, nil
	case "fw2", "terminal":
		return []Dialect{DialectFW2}, nil
	case "fw3", "smart", "aadi":
		return []Dialect{DialectFW3}, nil
	}
	return nil, fmt.Errorf("protocol: unknown dialect %q", s)
}

// Verb is a Terminal command.
type Verb int

const (
	VerbGet Verb = iota
	VerbSet
	VerbDo
	VerbHelp
	VerbGetAll
	VerbSave
	VerbReset
	VerbStop
	VerbStart
	VerbPasskey
)

var verbNames = map[Verb]string{
	VerbGet:     "GET",
	VerbSet:     "SET",
	VerbDo:      "DO",
	VerbHelp:    "HELP",
	VerbGetAll:  "GETALL",
	VerbSave:    "SAVE",
	VerbReset:   "RESET",
	VerbStop:    "STOP",
	VerbStart:   "START",
	VerbPasskey: "PASSKEY",
}

func (v Verb) String() string { return verbNames[v] }

// Command is one Terminal request.
type Command struct {
	Verb     Verb
	Property string
	Value    string
}

func Get(property string) Command { return Command{Verb: VerbGet, Property: property} }
func Set(property, value string) Command {
	return Command{Verb: VerbSet, Property: property, Value: value}
}
func Do() Command { return Command{Verb: VerbDo} }
func Help() Command { return Command{Verb: VerbHelp} }
func GetAll() Command { return Command{Verb: VerbGetAll} }
func Save() Command { return Command{Verb: VerbSave} }
func Reset() Command { return Command{Verb: VerbReset} }
func Stop() Command { return Command{Verb: VerbStop} }
func Start() Command { return Command{Verb: VerbStart} }
func Passkey(value string) Command { return Command{Verb: VerbPasskey, Value: value} }

// Encode renders the command without the line terminator.
func (c Command) Encode(d Dialect) string {
	if d == DialectFW3 {
		switch c.Verb {
		case VerbGet:
			return "Get " + c.Property
		case VerbSet:
			return fmt.Sprintf("Set %s(%s)", c.Property, c.Value)
		case VerbPasskey:
			return fmt.Sprintf("Set Passkey(%s)", c.Value)
		case VerbDo:
			return "Do"
		case VerbHelp:
			return "Help"
		case VerbGetAll:
			return "Get All"
		case VerbSave:
			return "Save"
		case VerbReset:
			return "Reset"
		case VerbStop:
			return "Stop"
		case VerbStart:
			return "Start"
		}
	}
	switch c.Verb {
	case VerbGet:
		return "$GET " + c.Property
	case VerbSet:
		return fmt.Sprintf("$SET %s=%s", c.Property, c.Value)
	case VerbPasskey:
		return "$SET Passkey=" + c.Value
	}
	return c.Verb.String()
}

// Key is the property a matching reply carries. Empty for verbs without one.
func (c Command) Key() string {
	switch c.Verb {
	case VerbGet, VerbSet:
		return c.Property
	case VerbPasskey:
		return "Passkey"
	}
	return ""
}

// ExpectsBlock reports commands answered by a multi-line reply.
func (c Command) ExpectsBlock() bool {
	return c.Verb == VerbDo || c.Verb == VerbHelp || c.Verb == VerbGetAll
}

// FireAndForget reports commands with no guaranteed reply.
func (c Command) FireAndForget() bool {
	switch c.Verb {
	case VerbSave, VerbReset, VerbStop, VerbStart, VerbPasskey:
		return true
	}
	return false
}

func (c Command) String() string { return c.Encode(DialectFW2) }

// Properties touched by the configuration sequence.
const (
	PropInterval   = "Interval"
	PropPolledMode = "Enable Polled Mode"
)

// ConfigRequest holds the parameters of one configuration run.
type ConfigRequest struct {
	Interval time.Duration
	Reset    bool
	Passkey  string // sent first when set; a rejection is tolerated
}

// Step is one entry of a configuration sequence.
type Step struct {
	Command  Command
	Required bool // an explicit error reply aborts the run
}

// ConfigSequence is built fresh per run and never stored.
type ConfigSequence []Step

// IntervalValue formats an interval the way sensors expect it (seconds).
func IntervalValue(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// BuildConfigSequence returns the ordered Terminal commands for req.
func BuildConfigSequence(req ConfigRequest) ConfigSequence {
	var seq ConfigSequence
	if req.Passkey != "" {
		seq = append(seq, Step{Command: Passkey(req.Passkey)})
	}
	seq = append(seq,
		Step{Command: Set(PropInterval, IntervalValue(req.Interval)), Required: true},
		Step{Command: Set(PropPolledMode, "no"), Required: true},
		Step{Command: Save(), Required: true},
	)
	if req.Reset {
		seq = append(seq, Step{Command: Reset()})
	}
	return seq
}
