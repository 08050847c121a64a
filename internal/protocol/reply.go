package protocol

import (
	"strings"

	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
)

// Reply is one key/value pair returned in Terminal mode.
type Reply struct {
	Key   string
	Value string
	Raw   string
}

// IsErrorReply matches the error forms sensors print: "*\tERROR\t...",
// "SYNTAX ERROR", "ARGUMENT ERROR" and "ERROR ..." lines.
func IsErrorReply(line string) bool {
	u := strings.ToUpper(strings.TrimSpace(line))
	if u == "" {
		return false
	}
	switch {
	case strings.HasPrefix(u, "*") && strings.Contains(u, "ERROR"):
		return true
	case strings.Contains(u, "SYNTAX ERROR"), strings.Contains(u, "ARGUMENT ERROR"):
		return true
	case strings.HasPrefix(u, "ERROR"):
		return true
	}
	return false
}

// IsAck reports a bare "#" acknowledgement.
func IsAck(line string) bool { return strings.TrimSpace(line) == "#" }

// IsReady reports the "!" wake indicator.
func IsReady(line string) bool { return strings.TrimSpace(line) == "!" }

// IsPrompt reports a line that ends a multi-line reply.
func IsPrompt(line string) bool {
	t := strings.TrimSpace(line)
	return t == "#" || t == ">"
}

var replyPrefixes = []string{"RESULT ", "$GET ", "$SET ", "GET ", "SET "}

// ParseReply splits a single property reply. Accepted shapes:
//
//	ProductName: 4117B
//	Interval=10
//	RESULT GET Interval=10
//	Interval	4330	1234	10.000000
func ParseReply(line string) (Reply, bool) {
	raw := line
	line = strings.TrimSpace(line)
	if line == "" || IsErrorReply(line) {
		return Reply{}, false
	}

	if strings.Contains(line, "\t") {
		f := SplitTabs(line)
		switch {
		case len(f) >= 4 && !LooksLikeIdentity(f[0], f[1]) && LooksLikeIdentity(f[1], f[2]):
			return Reply{Key: f[0], Value: strings.Join(f[3:], " "), Raw: raw}, true
		case len(f) == 2 && !LooksLikeIdentity(f[0], f[1]):
			return Reply{Key: f[0], Value: f[1], Raw: raw}, true
		}
	}

	for stripped := true; stripped; {
		stripped = false
		for _, p := range replyPrefixes {
			if len(line) > len(p) && strings.EqualFold(line[:len(p)], p) {
				line = strings.TrimSpace(line[len(p):])
				stripped = true
			}
		}
	}

	i := strings.IndexAny(line, ":=")
	if i <= 0 {
		return Reply{}, false
	}
	key := strings.TrimSpace(line[:i])
	if key == "" {
		return Reply{}, false
	}
	return Reply{Key: key, Value: strings.TrimSpace(line[i+1:]), Raw: raw}, true
}

// SameKey compares property names ignoring case, spaces, underscores and
// unit suffixes.
func SameKey(a, b string) bool {
	return canonKey(a) == canonKey(b)
}

func canonKey(k string) string {
	k = sensor.Key(k)
	k = strings.NewReplacer(" ", "", "_", "").Replace(k)
	return strings.ToLower(k)
}

// ParseMeasurementLine reads the labelled FW3 measurement form
// "MEASUREMENT\t4330\t123\tO2Concentration[uM]\t245.1\tAirSaturation[%]\t95.2...".
func ParseMeasurementLine(line string) ([]Reply, bool) {
	f := SplitTabs(line)
	if len(f) < 5 || !strings.EqualFold(f[0], "MEASUREMENT") {
		return nil, false
	}
	var out []Reply
	out = append(out,
		Reply{Key: "ProductName", Value: f[1], Raw: line},
		Reply{Key: "SerialNumber", Value: f[2], Raw: line},
	)
	for i := 3; i+1 < len(f); i += 2 {
		out = append(out, Reply{Key: f[i], Value: f[i+1], Raw: line})
	}
	return out, true
}

// Block collects a multi-line reply (HELP, GETALL, DO) until a blank line
// or prompt.
type Block struct {
	Lines []string
	done  bool
}

// Add appends a line and reports whether the block is complete.
func (b *Block) Add(line string) bool {
	if b.done {
		return true
	}
	t := strings.TrimSpace(line)
	switch {
	case t == "" && len(b.Lines) > 0:
		b.done = true
	case t == "":
	case IsPrompt(t):
		b.done = true
	default:
		b.Lines = append(b.Lines, line)
	}
	return b.done
}

// Done reports whether a terminator was seen.
func (b *Block) Done() bool { return b.done }

// Pairs returns every key/value pair found in the block, in order.
func (b *Block) Pairs() []Reply {
	var out []Reply
	for _, l := range b.Lines {
		if m, ok := ParseMeasurementLine(l); ok {
			out = append(out, m...)
			continue
		}
		if r, ok := ParseReply(l); ok {
			out = append(out, r)
		}
	}
	return out
}

// FieldsFromPairs converts Terminal key/value pairs into mapper fields.
func FieldsFromPairs(pairs []Reply) sensor.Fields {
	out := make(sensor.Fields, len(pairs))
	for _, p := range pairs {
		k := sensor.Key(p.Key)
		if _, seen := out[k]; seen {
			continue
		}
		out[k] = sensor.NewField(firstToken(p.Value))
	}
	return out
}

// firstToken drops a trailing unit: "52.5 mS/cm" -> "52.5".
func firstToken(v string) string {
	if f := strings.Fields(v); len(f) > 0 {
		return f[0]
	}
	return v
}
