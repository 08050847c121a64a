// Package linktest provides an in-memory serial port and a scripted sensor
// for exercising the link and session layers without hardware.
package linktest

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/link"
)

// ErrClosed is returned by reads and writes on a closed Port.
var ErrClosed = errors.New("linktest: port closed")

// Port is a fake serial port. Bytes passed to Feed become readable; Read
// honours the read timeout by returning (0, nil) like go.bug.st/serial.
type Port struct {
	mu      sync.Mutex
	rx      []byte
	tx      []byte
	notify  chan struct{}
	timeout time.Duration
	readErr error
	closed  bool
	resets  int

	// OnWrite is called after every Write with a copy of the data. It runs
	// without the port lock held, so it may call Feed.
	OnWrite func(p *Port, data []byte)
}

// NewPort returns an empty, open port.
func NewPort() *Port {
	return &Port{notify: make(chan struct{}, 1), timeout: 50 * time.Millisecond}
}

// Feed makes s readable.
func (p *Port) Feed(s string) {
	p.mu.Lock()
	p.rx = append(p.rx, s...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// FailReads makes every following Read return err.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()
	var expire <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	for {
		p.mu.Lock()
		switch {
		case p.readErr != nil:
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		case p.closed:
			p.mu.Unlock()
			return 0, ErrClosed
		case len(p.rx) > 0:
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-expire:
			return 0, nil
		}
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.tx = append(p.tx, b...)
	cb := p.OnWrite
	p.mu.Unlock()
	if cb != nil {
		cb(p, append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	p.rx = nil
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Written returns everything written so far.
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.tx)
}

// Commands returns the non-empty CRLF-terminated lines written so far.
func (p *Port) Commands() []string {
	var out []string
	for _, l := range strings.Split(p.Written(), "\r\n") {
		l = strings.Trim(l, "%")
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Opener returns a link.Opener that hands out ports in order, one per call.
// Once they run out it reports link.ErrPortUnavailable.
func Opener(ports ...*Port) link.Opener {
	var mu sync.Mutex
	return func(path string, baud int) (link.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ports) == 0 {
			return nil, link.ErrPortUnavailable
		}
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}
}

// Timing is a compressed link.Timing for tests.
func Timing() link.Timing {
	return link.Timing{
		WakeBursts:         3,
		WakeSpacing:        5 * time.Millisecond,
		WakeWait:           60 * time.Millisecond,
		PassiveWindow:      120 * time.Millisecond,
		DetectWindow:       900 * time.Millisecond,
		MinStreamingFrames: 1,
		CommandTimeout:     150 * time.Millisecond,
		CommandRetries:     1,
		SaveGrace:          40 * time.Millisecond,
		ResetGrace:         30 * time.Millisecond,
		ResetSettle:        30 * time.Millisecond,
		ReadQuantum:        10 * time.Millisecond,
	}
}
