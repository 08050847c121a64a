package link

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/sirupsen/logrus"
)

const maxLineLen = 1024

// Conn turns a byte-oriented Port into a stream of lines. Sensors mix CR,
// LF and CRLF endings, emit XON/XOFF and sleep-mode garbage, and send "!"
// and "#" without a terminator; all of that is normalized here.
//
// A Conn is owned by one session and is not safe for concurrent use.
type Conn struct {
	port Port
	path string
	log  *logrus.Entry

	buf     []byte
	lines   []protocol.Line
	lastCR  bool
	seq     uint64
	rxBytes uint64
	readBuf []byte
}

// NewConn wraps port. The port's read timeout is set to quantum so a single
// Read never blocks longer than that.
func NewConn(port Port, path string, quantum time.Duration, log *logrus.Entry) (*Conn, error) {
	if quantum <= 0 {
		quantum = DefaultTiming().ReadQuantum
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := port.SetReadTimeout(quantum); err != nil {
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrLinkLost, path, err)
	}
	return &Conn{
		port:    port,
		path:    path,
		log:     log,
		readBuf: make([]byte, 256),
	}, nil
}

// Path returns the port path this connection was opened on.
func (c *Conn) Path() string { return c.path }

// Seq returns the sequence number of the last line produced.
func (c *Conn) Seq() uint64 { return c.seq }

// BytesReceived counts raw bytes read since the connection was created.
func (c *Conn) BytesReceived() uint64 { return c.rxBytes }

// Write sends raw bytes.
func (c *Conn) Write(b []byte) error {
	if _, err := c.port.Write(b); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrLinkLost, c.path, err)
	}
	return nil
}

// WriteLine sends s followed by CRLF.
func (c *Conn) WriteLine(s string) error {
	c.log.Debugf("tx %q", s)
	return c.Write([]byte(s + "\r\n"))
}

// fill performs one port read of at most one quantum.
func (c *Conn) fill() error {
	n, err := c.port.Read(c.readBuf)
	if n > 0 {
		c.rxBytes += uint64(n)
		c.feed(c.readBuf[:n])
	}
	if err != nil && n == 0 {
		return fmt.Errorf("%w: read %s: %v", ErrLinkLost, c.path, err)
	}
	return nil
}

func (c *Conn) feed(b []byte) {
	for _, ch := range b {
		switch ch {
		case '\r':
			c.emit()
			c.lastCR = true
			continue
		case '\n':
			if c.lastCR {
				c.lastCR = false
				continue
			}
			c.emit()
			continue
		}
		c.lastCR = false

		switch {
		case ch == '\t':
		case ch == 0x11 || ch == 0x13: // XON / XOFF
			continue
		case ch < 0x20 || ch >= 0x7f:
			continue
		case ch == '!' && len(c.buf) == 0:
			c.push("!")
			continue
		case ch == '#' && len(c.buf) == 0:
			c.push("#")
			continue
		}

		c.buf = append(c.buf, ch)
		if len(c.buf) >= maxLineLen {
			c.emit()
		}
	}
}

func (c *Conn) emit() {
	text := string(c.buf)
	c.buf = c.buf[:0]
	c.push(text)
}

func (c *Conn) push(text string) {
	c.seq++
	c.lines = append(c.lines, protocol.Line{
		Seq:    c.seq,
		Text:   text,
		Format: protocol.Classify(text),
		At:     time.Now(),
	})
	if text != "" {
		c.log.Debugf("rx #%d %q", c.seq, text)
	}
}

// ReadLine returns the next complete line, waiting at most timeout.
// It returns ErrTimeout when nothing complete arrived, ErrLinkLost on I/O
// failure and ctx.Err() when cancelled.
func (c *Conn) ReadLine(ctx context.Context, timeout time.Duration) (protocol.Line, error) {
	deadline := time.Now().Add(timeout)
	for {
		if len(c.lines) > 0 {
			l := c.lines[0]
			c.lines = c.lines[1:]
			return l, nil
		}
		if err := ctx.Err(); err != nil {
			return protocol.Line{}, err
		}
		if !time.Now().Before(deadline) {
			return protocol.Line{}, ErrTimeout
		}
		if err := c.fill(); err != nil {
			return protocol.Line{}, err
		}
	}
}

// WaitFor scans incoming lines for one matching fn, leaving every other line
// queued for later readers. The matched line is removed.
func (c *Conn) WaitFor(ctx context.Context, timeout time.Duration, fn func(protocol.Line) bool) (bool, error) {
	deadline := time.Now().Add(timeout)
	scanned := 0
	for {
		for ; scanned < len(c.lines); scanned++ {
			if fn(c.lines[scanned]) {
				c.lines = append(c.lines[:scanned], c.lines[scanned+1:]...)
				return true, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := c.fill(); err != nil {
			return false, err
		}
	}
}

// Idle reports whether nothing arrives within one read quantum.
func (c *Conn) Idle() (bool, error) {
	if len(c.lines) > 0 || len(c.buf) > 0 {
		return false, nil
	}
	before := c.rxBytes
	if err := c.fill(); err != nil {
		return false, err
	}
	return c.rxBytes == before, nil
}

// Drain reads until the port has been silent for one quantum or limit has
// elapsed, and returns every line seen, including ones already queued.
func (c *Conn) Drain(ctx context.Context, limit time.Duration) ([]protocol.Line, error) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		before := c.rxBytes
		if err := c.fill(); err != nil {
			return c.takeAll(), err
		}
		if c.rxBytes == before {
			break
		}
	}
	if len(c.buf) > 0 {
		c.emit()
	}
	out := c.takeAll()
	if len(out) > 0 {
		c.log.Debugf("drain cleared %d lines", len(out))
	}
	return out, nil
}

func (c *Conn) takeAll() []protocol.Line {
	out := c.lines
	c.lines = nil
	return out
}

// Discard drops queued lines and flushes the port's input buffer.
func (c *Conn) Discard() {
	c.lines = nil
	c.buf = c.buf[:0]
	c.lastCR = false
	if err := c.port.ResetInputBuffer(); err != nil {
		c.log.Debugf("reset input buffer: %v", err)
	}
}

// Close closes the underlying port.
func (c *Conn) Close() error {
	return c.port.Close()
}
