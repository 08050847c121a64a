package linktest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
)

// Sensor emulates Aanderaa firmware behind a Port. Attach it with
// Sensor.Attach; it answers commands written to the port.
type Sensor struct {
	mu sync.Mutex

	Dialect   protocol.Dialect
	Props     map[string]string
	DoReply   string        // line(s) returned for DO, without trailing CRLF
	DoFunc    func() string // overrides DoReply when set
	Ready     bool   // answer the wake byte with "!"
	Silent    bool   // ignore everything
	Streaming bool   // ignore commands other than Stop
	Reject    map[string]bool

	Saves  int
	Resets int
	Stops  int

	partial []byte
}

// NewSensor returns a Terminal-mode FW2 sensor with the given identity.
func NewSensor(product, serial string) *Sensor {
	return &Sensor{
		Dialect: protocol.DialectFW2,
		Ready:   true,
		Props: map[string]string{
			"ProductName":        product,
			"SerialNumber":       serial,
			"SWVersion":          "4.4.8",
			"Interval":           "60",
			"Enable Polled Mode": "yes",
		},
		Reject: map[string]bool{},
	}
}

// Attach hooks the sensor to p.
func (s *Sensor) Attach(p *Port) { p.OnWrite = s.handle }

// Prop returns a property value.
func (s *Sensor) Prop(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Props[name]
}

// Counts returns how many Save, Reset and Stop commands were accepted.
func (s *Sensor) Counts() (saves, resets, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Saves, s.Resets, s.Stops
}

func (s *Sensor) handle(p *Port, data []byte) {
	s.mu.Lock()
	var replies []string
	for _, b := range data {
		switch b {
		case '%':
			if s.Ready && !s.Silent && !s.Streaming {
				replies = append(replies, "!")
			}
		case '\r', '\n':
			line := string(s.partial)
			s.partial = s.partial[:0]
			if line != "" && !s.Silent {
				replies = append(replies, s.command(line)...)
			}
		default:
			s.partial = append(s.partial, b)
		}
	}
	s.mu.Unlock()
	for _, r := range replies {
		p.Feed(r)
	}
}

func (s *Sensor) command(line string) []string {
	if s.Streaming {
		if strings.EqualFold(line, "stop") {
			s.Streaming = false
			s.Stops++
			return []string{"#\r\n"}
		}
		return nil
	}
	if s.Dialect == protocol.DialectFW3 {
		return s.fw3(line)
	}
	return s.fw2(line)
}

const syntaxError = "*\tERROR\tSYNTAX ERROR\r\n"

func (s *Sensor) fw2(line string) []string {
	switch {
	case strings.HasPrefix(line, "$GET "):
		key := strings.TrimPrefix(line, "$GET ")
		v, ok := s.Props[key]
		if !ok || s.Reject[key] {
			return []string{"*\tERROR\tARGUMENT ERROR\r\n"}
		}
		return []string{fmt.Sprintf("%s: %s\r\n", key, v)}
	case strings.HasPrefix(line, "$SET "):
		kv := strings.SplitN(strings.TrimPrefix(line, "$SET "), "=", 2)
		if len(kv) != 2 || s.Reject[kv[0]] {
			return []string{"*\tERROR\tARGUMENT ERROR\r\n"}
		}
		s.Props[kv[0]] = kv[1]
		return []string{"#\r\n"}
	case line == "DO":
		return []string{s.doReply() + "\r\n\r\n"}
	case line == "HELP":
		return []string{"Available commands:\r\n$GET\r\n$SET\r\nDO\r\nSAVE\r\nRESET\r\n\r\n"}
	case line == "SAVE":
		s.Saves++
		return []string{"#\r\n"}
	case line == "RESET":
		s.Resets++
		return nil
	case line == "STOP":
		s.Stops++
		return []string{"#\r\n"}
	}
	return []string{syntaxError}
}

func (s *Sensor) fw3(line string) []string {
	product, serial := s.Props["ProductName"], s.Props["SerialNumber"]
	switch {
	case strings.HasPrefix(line, "Get "):
		key := strings.TrimPrefix(line, "Get ")
		v, ok := s.Props[key]
		if !ok || s.Reject[key] {
			return []string{"*\tERROR\tARGUMENT ERROR\r\n"}
		}
		return []string{fmt.Sprintf("%s\t%s\t%s\t%s\r\n", key, product, serial, v)}
	case strings.HasPrefix(line, "Set ") && strings.HasSuffix(line, ")"):
		body := strings.TrimSuffix(strings.TrimPrefix(line, "Set "), ")")
		i := strings.Index(body, "(")
		if i < 0 || s.Reject[body[:i]] {
			return []string{"*\tERROR\tARGUMENT ERROR\r\n"}
		}
		s.Props[body[:i]] = body[i+1:]
		return []string{"#\r\n"}
	case line == "Do":
		return []string{s.doReply() + "\r\n"}
	case line == "Help":
		return []string{"Available commands:\r\nGet\r\nSet\r\nDo\r\nSave\r\nReset\r\n\r\n"}
	case line == "Save":
		s.Saves++
		return []string{"#\r\n"}
	case line == "Reset":
		s.Resets++
		return nil
	case line == "Stop":
		s.Stops++
		return []string{"#\r\n"}
	case line == "Start":
		return []string{"#\r\n"}
	}
	return []string{syntaxError}
}

func (s *Sensor) doReply() string {
	if s.DoFunc != nil {
		return s.DoFunc()
	}
	return s.DoReply
}

// Stream feeds frame to p every interval until ctx is done, p is closed or
// the sensor leaves streaming mode.
func (s *Sensor) Stream(ctx context.Context, p *Port, frame string, interval time.Duration) {
	s.StreamFunc(ctx, p, func() string { return frame }, interval)
}

// StreamFunc is Stream with a frame generated on every tick.
func (s *Sensor) StreamFunc(ctx context.Context, p *Port, frame func() string, interval time.Duration) {
	s.mu.Lock()
	s.Streaming = true
	s.mu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.mu.Lock()
				on := s.Streaming
				s.mu.Unlock()
				if !on || p.Closed() {
					return
				}
				p.Feed(frame() + "\r\n")
			}
		}
	}()
}
