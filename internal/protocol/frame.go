package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
)

// Frame rejection reasons. Both wrap ErrFrameRejected.
var (
	ErrFrameRejected      = errors.New("frame rejected")
	ErrIncomplete         = fmt.Errorf("%w: incomplete", ErrFrameRejected)
	ErrUnrecognizedFormat = fmt.Errorf("%w: unrecognized format", ErrFrameRejected)
)

// Format is the wire format a line was recognized as.
type Format int

const (
	FormatUnrecognized Format = iota
	FormatStreaming
	FormatTerminal
)

func (f Format) String() string {
	switch f {
	case FormatStreaming:
		return "streaming"
	case FormatTerminal:
		return "terminal"
	}
	return "unrecognized"
}

// Line is one received line with its per-connection sequence number.
type Line struct {
	Seq    uint64
	Text   string
	Format Format
	At     time.Time
}

var (
	productRe = regexp.MustCompile(`^\d{4}[A-Za-z0-9]*$`)
	serialRe  = regexp.MustCompile(`^\d+$`)
)

// LooksLikeIdentity reports whether product and serial have the shape of an
// Aanderaa product number ("4117B") and serial number ("2378").
func LooksLikeIdentity(product, serial string) bool {
	return productRe.MatchString(product) && serialRe.MatchString(serial)
}

// SplitTabs splits a line on tabs, trimming fields and dropping empty ones.
func SplitTabs(line string) []string {
	parts := strings.Split(line, "\t")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Classify decides which wire format a line belongs to without parsing it.
func Classify(text string) Format {
	t := strings.TrimSpace(text)
	if t == "" {
		return FormatUnrecognized
	}
	if IsErrorReply(t) || IsAck(t) || IsReady(t) || IsPrompt(t) {
		return FormatTerminal
	}
	if strings.Contains(text, "\t") {
		f := SplitTabs(text)
		if len(f) >= 2 && LooksLikeIdentity(f[0], f[1]) {
			return FormatStreaming
		}
		if _, ok := ParseMeasurementLine(text); ok {
			return FormatStreaming
		}
	}
	if _, ok := ParseReply(t); ok {
		return FormatTerminal
	}
	return FormatUnrecognized
}

// Frame is a parsed streaming line.
type Frame struct {
	Type    sensor.Type
	Product string
	Serial  string
	Fields  sensor.Fields
}

// Identity returns the identity carried by the frame's leading fields.
func (f Frame) Identity() sensor.Identity {
	return sensor.Identity{ProductNumber: f.Product, SerialNumber: f.Serial}
}

// ParseStreaming parses a tab-delimited frame "product\tserial\tv1\tv2...".
//
// The type selects the template used to name positional values. With an
// unknown type the product prefix is tried first, then a field count that
// matches exactly one template. Non-numeric values are reported per field.
func ParseStreaming(line string, t sensor.Type) (Frame, error) {
	if !strings.Contains(line, "\t") {
		return Frame{}, fmt.Errorf("%w: no tab separator", ErrUnrecognizedFormat)
	}
	fields := SplitTabs(line)
	if len(fields) >= 2 && fields[0] == "*" && strings.EqualFold(fields[1], "ERROR") {
		return Frame{}, fmt.Errorf("%w: error frame %q", ErrUnrecognizedFormat, strings.Join(fields, " "))
	}
	if len(fields) < 2 {
		return Frame{}, fmt.Errorf("%w: %d fields", ErrIncomplete, len(fields))
	}
	if !LooksLikeIdentity(fields[0], fields[1]) {
		return Frame{}, fmt.Errorf("%w: %q is not a product/serial pair", ErrUnrecognizedFormat, fields[0]+" "+fields[1])
	}

	values := fields[2:]
	typ := t
	if typ == "" {
		typ = sensor.TypeUnknown
	}
	if typ == sensor.TypeUnknown {
		typ = sensor.InferType(fields[0])
	}
	if typ == sensor.TypeUnknown {
		typ = matchByCount(len(values))
		if typ == sensor.TypeUnknown {
			if len(values) < sensor.MinTemplateLen() {
				return Frame{}, fmt.Errorf("%w: %d values", ErrIncomplete, len(values))
			}
			return Frame{}, fmt.Errorf("%w: %d values match no single template", ErrUnrecognizedFormat, len(values))
		}
	}

	tmpl := sensor.TemplateFor(typ)
	if len(values) < len(tmpl) {
		return Frame{}, fmt.Errorf("%w: %s frame has %d values, want %d", ErrIncomplete, typ, len(values), len(tmpl))
	}

	out := make(sensor.Fields, len(values))
	for i, v := range values {
		f := sensor.NewField(v)
		out["Value"+strconv.Itoa(i+1)] = f
		if i < len(tmpl) {
			out[tmpl[i].Name] = f
		}
	}
	return Frame{Type: typ, Product: fields[0], Serial: fields[1], Fields: out}, nil
}

// ParseData parses any unsolicited data line: the positional streaming
// form or the labelled MEASUREMENT form.
func ParseData(line string, t sensor.Type) (Frame, error) {
	pairs, ok := ParseMeasurementLine(line)
	if !ok {
		return ParseStreaming(line, t)
	}
	var id sensor.Identity
	for _, p := range pairs {
		id.Apply(p.Key, p.Value)
	}
	typ := t
	if typ == "" {
		typ = sensor.TypeUnknown
	}
	if typ == sensor.TypeUnknown {
		typ = sensor.InferType(id.ProductNumber)
	}
	if typ == sensor.TypeUnknown {
		return Frame{}, fmt.Errorf("%w: cannot type product %q", ErrUnrecognizedFormat, id.ProductNumber)
	}
	return Frame{
		Type:    typ,
		Product: id.ProductNumber,
		Serial:  id.SerialNumber,
		Fields:  FieldsFromPairs(pairs[2:]),
	}, nil
}

func matchByCount(n int) sensor.Type {
	found := sensor.TypeUnknown
	for _, t := range sensor.KnownTypes() {
		if len(sensor.TemplateFor(t)) != n {
			continue
		}
		if found != sensor.TypeUnknown {
			return sensor.TypeUnknown
		}
		found = t
	}
	return found
}

var numberRe = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?`)

// ExtractLastFloat returns the last number in s, e.g. 10 from
// "Interval\t4330\t1234\t10.000000".
func ExtractLastFloat(s string) (float64, bool) {
	m := numberRe.FindAllString(s, -1)
	if len(m) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(m[len(m)-1], ",", ".", 1), 64)
	return v, err == nil
}
