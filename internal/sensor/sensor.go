package sensor

import (
	"fmt"
	"strings"
	"time"
)

// Type is the declared or inferred kind of Aanderaa sensor on an endpoint.
type Type string

const (
	TypeUnknown      Type = "unknown"
	TypePressure     Type = "pressure"
	TypeOxygen       Type = "oxygen"
	TypeConductivity Type = "conductivity"
)

// ParseType accepts the names used in config files. An empty string is unknown.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown", "auto":
		return TypeUnknown, nil
	case "pressure":
		return TypePressure, nil
	case "oxygen", "optode":
		return TypeOxygen, nil
	case "conductivity":
		return TypeConductivity, nil
	}
	return TypeUnknown, fmt.Errorf("sensor: unknown type %q", s)
}

// productPrefixes maps product number prefixes to sensor types.
var productPrefixes = []struct {
	prefix string
	typ    Type
}{
	{"4117", TypePressure},
	{"5217", TypePressure},
	{"5218", TypePressure},
	{"4330", TypeOxygen},
	{"4831", TypeOxygen},
	{"4835", TypeOxygen},
	{"5819", TypeConductivity},
	{"5990", TypeConductivity},
}

// InferType guesses the sensor type from a product number such as "4117B".
func InferType(product string) Type {
	p := strings.ToUpper(strings.TrimSpace(product))
	for _, e := range productPrefixes {
		if strings.HasPrefix(p, e.prefix) {
			return e.typ
		}
	}
	return TypeUnknown
}

// Endpoint describes one sensor on one serial port.
type Endpoint struct {
	Name     string        `json:"name"`
	Port     string        `json:"port"`
	BaudRate int           `json:"baudRate"`
	Timeout  time.Duration `json:"timeout"`
	Type     Type          `json:"type"`
	Dialect  string        `json:"dialect"` // "auto", "fw2" or "fw3"
}

// Label returns a human name for log lines.
func (e Endpoint) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Port
}

// Identity is what the sensor has told us about itself so far.
// Empty strings mean "not known yet".
type Identity struct {
	ProductNumber   string `json:"productNumber,omitempty" yaml:"product_number,omitempty"`
	SerialNumber    string `json:"serialNumber,omitempty" yaml:"serial_number,omitempty"`
	SoftwareVersion string `json:"softwareVersion,omitempty" yaml:"software_version,omitempty"`
}

// Merge fills empty fields from other. Known fields are never overwritten or
// blanked. Reports whether anything changed.
func (id *Identity) Merge(other Identity) bool {
	changed := false
	fill := func(dst *string, v string) {
		v = strings.TrimSpace(v)
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&id.ProductNumber, other.ProductNumber)
	fill(&id.SerialNumber, other.SerialNumber)
	fill(&id.SoftwareVersion, other.SoftwareVersion)
	return changed
}

// Apply merges a single property reply (ProductName, SerialNumber, SWVersion
// and their firmware spellings). Unrelated keys are ignored.
func (id *Identity) Apply(key, value string) bool {
	switch strings.ToLower(strings.ReplaceAll(key, " ", "")) {
	case "productname", "productnumber", "productno":
		return id.Merge(Identity{ProductNumber: value})
	case "serialnumber", "serialno", "serial":
		return id.Merge(Identity{SerialNumber: value})
	case "swversion", "softwareversion", "swid", "softwareid":
		return id.Merge(Identity{SoftwareVersion: value})
	}
	return false
}

// Complete reports whether product and serial number are both known.
func (id Identity) Complete() bool {
	return id.ProductNumber != "" && id.SerialNumber != ""
}

func (id Identity) String() string {
	p, s := id.ProductNumber, id.SerialNumber
	if p == "" {
		p = "?"
	}
	if s == "" {
		s = "?"
	}
	if id.SoftwareVersion != "" {
		return fmt.Sprintf("%s SN %s (sw %s)", p, s, id.SoftwareVersion)
	}
	return fmt.Sprintf("%s SN %s", p, s)
}

// Measurement is one physical quantity reported in one cycle.
type Measurement struct {
	Quantity  string    `json:"quantity"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Measurement) String() string {
	return fmt.Sprintf("%s=%g %s", m.Quantity, m.Value, m.Unit)
}
