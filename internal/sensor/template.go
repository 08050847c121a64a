package sensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Quantity is one entry of a sensor template.
type Quantity struct {
	Name    string
	Unit    string
	Aliases []string // other labels firmware uses for the same value
}

// Template is the ordered list of quantities a sensor type reports.
// Streaming frames carry them positionally after product and serial number.
type Template []Quantity

var templates = map[Type]Template{
	TypePressure: {
		{Name: "Pressure", Unit: "mbar"},
		{Name: "Temperature", Unit: "°C"},
	},
	TypeOxygen: {
		{Name: "O2Concentration", Unit: "µM"},
		{Name: "O2Saturation", Unit: "%", Aliases: []string{"AirSaturation"}},
		{Name: "Temperature", Unit: "°C"},
	},
	TypeConductivity: {
		{Name: "Conductivity", Unit: "mS/cm"},
		{Name: "Salinity", Unit: "PSU"},
		{Name: "Temperature", Unit: "°C"},
	},
}

// TemplateFor returns the template for t, or nil for unknown types.
func TemplateFor(t Type) Template {
	return templates[t]
}

// KnownTypes lists the types that have a template, in a stable order.
func KnownTypes() []Type {
	return []Type{TypePressure, TypeOxygen, TypeConductivity}
}

// MinTemplateLen is the shortest template across known types.
func MinTemplateLen() int {
	shortest := 0
	for _, t := range KnownTypes() {
		if n := len(templates[t]); shortest == 0 || n < shortest {
			shortest = n
		}
	}
	return shortest
}

// Field is one parsed value. Err is set when Raw was not numeric.
type Field struct {
	Raw   string
	Value float64
	Err   error
}

// ErrNotFinite marks a field that parsed as NaN or an infinity.
var ErrNotFinite = errors.New("sensor: value is not finite")

// NewField parses raw as a float. Decimal commas are accepted; NaN and
// infinities are reported as field errors.
func NewField(raw string) Field {
	raw = strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = fmt.Errorf("%w: %q", ErrNotFinite, raw)
	}
	return Field{Raw: raw, Value: v, Err: err}
}

// Fields is a parsed frame keyed by normalized field name.
type Fields map[string]Field

// Key normalizes a firmware label such as "O2Concentration[uM]" or
// "Temperature(Deg.C)" to the bare quantity name.
func Key(label string) string {
	label = strings.TrimSpace(label)
	if i := strings.IndexAny(label, "[("); i > 0 {
		label = label[:i]
	}
	return strings.TrimSpace(label)
}

func (f Fields) lookup(q Quantity) (Field, bool) {
	if v, ok := f[q.Name]; ok {
		return v, true
	}
	for _, a := range q.Aliases {
		if v, ok := f[a]; ok {
			return v, true
		}
	}
	return Field{}, false
}

// Map turns parsed fields into measurements in template order.
// Fields outside the template are ignored; template quantities that are
// missing or non-numeric are left out rather than zero-filled.
func Map(t Type, fields Fields, ts time.Time) []Measurement {
	tmpl := templates[t]
	out := make([]Measurement, 0, len(tmpl))
	for _, q := range tmpl {
		f, ok := fields.lookup(q)
		if !ok || f.Err != nil {
			continue
		}
		out = append(out, Measurement{
			Quantity:  q.Name,
			Value:     f.Value,
			Unit:      q.Unit,
			Timestamp: ts,
		})
	}
	return out
}
