package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCommandTimeout means no matching reply arrived after all retries.
	ErrCommandTimeout = errors.New("command timeout")
	// ErrCommandRejected means the sensor answered with an error line.
	ErrCommandRejected = errors.New("command rejected")
)

// Result is what a Terminal command produced.
type Result struct {
	Command protocol.Command
	Reply   protocol.Reply   // GET/SET: the matching property line
	Lines   []string         // DO/HELP/GETALL: raw block lines
	Pairs   []protocol.Reply // DO/HELP/GETALL: key/value pairs in the block
	Data    []protocol.Line  // DO: unsolicited-style data lines
	Acked   bool             // a "#" acknowledgement was seen
}

// Driver issues Terminal commands over a Conn and waits for matching replies.
// Lines that do not answer the outstanding command are treated as noise.
type Driver struct {
	conn    *Conn
	dialect protocol.Dialect
	timing  Timing
	log     *logrus.Entry
	noise   func(protocol.Line)
}

// NewDriver creates a driver using the given dialect.
func NewDriver(conn *Conn, dialect protocol.Dialect, t Timing, log *logrus.Entry) *Driver {
	if log == nil {
		log = conn.log
	}
	return &Driver{conn: conn, dialect: dialect, timing: t.Normalize(), log: log}
}

// Dialect returns the dialect commands are encoded in.
func (d *Driver) Dialect() protocol.Dialect { return d.dialect }

// SetDialect switches the command syntax.
func (d *Driver) SetDialect(dl protocol.Dialect) { d.dialect = dl }

// OnNoise registers a callback for discarded lines.
func (d *Driver) OnNoise(fn func(protocol.Line)) { d.noise = fn }

// Request sends cmd and waits for its reply, retrying on timeout up to
// Timing.CommandRetries more times. SAVE, RESET, STOP, START and PASSKEY are
// fire-and-forget: silence within the grace period is not an error.
func (d *Driver) Request(ctx context.Context, cmd protocol.Command) (Result, error) {
	if cmd.FireAndForget() {
		return d.fire(ctx, cmd)
	}
	attempts := 1 + d.timing.CommandRetries
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d.log.Debugf("retry %d/%d: %s", i, d.timing.CommandRetries, cmd.Encode(d.dialect))
		}
		res, err := d.exchange(ctx, cmd, d.timing.CommandTimeout)
		if err == nil || !errors.Is(err, ErrCommandTimeout) {
			return res, err
		}
		lastErr = err
	}
	return Result{Command: cmd}, lastErr
}

// Probe sends cmd once with a custom timeout and no retries. The mode
// detector uses it to stay inside its observation window.
func (d *Driver) Probe(ctx context.Context, cmd protocol.Command, timeout time.Duration) (Result, error) {
	return d.exchange(ctx, cmd, timeout)
}

// Get queries one property and returns its value.
func (d *Driver) Get(ctx context.Context, property string) (string, error) {
	res, err := d.Request(ctx, protocol.Get(property))
	if err != nil {
		return "", err
	}
	return res.Reply.Value, nil
}

// Set writes one property. A "#" or an echoed property line both count.
func (d *Driver) Set(ctx context.Context, property, value string) (Result, error) {
	return d.Request(ctx, protocol.Set(property, value))
}

func (d *Driver) exchange(ctx context.Context, cmd protocol.Command, timeout time.Duration) (Result, error) {
	res := Result{Command: cmd}
	wire := cmd.Encode(d.dialect)
	if err := d.conn.WriteLine(wire); err != nil {
		return res, err
	}

	var block protocol.Block
	finishBlock := func() Result {
		res.Lines = block.Lines
		res.Pairs = block.Pairs()
		return res
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if cmd.ExpectsBlock() && (len(block.Lines) > 0 || len(res.Data) > 0) {
				return finishBlock(), nil
			}
			return res, fmt.Errorf("%w: %s after %v", ErrCommandTimeout, wire, timeout)
		}

		l, err := d.conn.ReadLine(ctx, remaining)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return res, err
		}

		text := strings.TrimSpace(l.Text)
		if strings.EqualFold(text, wire) {
			continue // echo
		}
		if protocol.IsErrorReply(text) {
			return res, fmt.Errorf("%w: %s: %s", ErrCommandRejected, wire, text)
		}

		if cmd.ExpectsBlock() {
			if l.Format == protocol.FormatStreaming {
				if cmd.Verb == protocol.VerbDo {
					res.Data = append(res.Data, l)
					return finishBlock(), nil
				}
				d.discard(l)
				continue
			}
			if protocol.IsAck(text) && len(block.Lines) == 0 {
				res.Acked = true
				continue
			}
			if block.Add(l.Text) {
				return finishBlock(), nil
			}
			continue
		}

		if r, ok := protocol.ParseReply(text); ok && protocol.SameKey(r.Key, cmd.Key()) {
			res.Reply = r
			return res, nil
		}
		if cmd.Verb == protocol.VerbSet && protocol.IsAck(text) {
			res.Acked = true
			return res, nil
		}
		d.discard(l)
	}
}

// fire writes cmd and drains replies for the command's grace period, noting
// an acknowledgement or an error reply.
func (d *Driver) fire(ctx context.Context, cmd protocol.Command) (Result, error) {
	res := Result{Command: cmd}
	wire := cmd.Encode(d.dialect)
	if err := d.conn.WriteLine(wire); err != nil {
		return res, err
	}

	grace := d.timing.CommandTimeout
	switch cmd.Verb {
	case protocol.VerbSave:
		grace = d.timing.SaveGrace
	case protocol.VerbReset:
		grace = d.timing.ResetGrace
	}

	deadline := time.Now().Add(grace)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			d.log.Debugf("%s: no acknowledgement within %v", wire, grace)
			return res, nil
		}
		l, err := d.conn.ReadLine(ctx, remaining)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return res, err
		}
		text := strings.TrimSpace(l.Text)
		switch {
		case strings.EqualFold(text, wire):
		case protocol.IsErrorReply(text):
			return res, fmt.Errorf("%w: %s: %s", ErrCommandRejected, wire, text)
		case protocol.IsAck(text):
			res.Acked = true
			if cmd.Verb != protocol.VerbReset {
				return res, nil
			}
		default:
			d.discard(l)
		}
	}
}

func (d *Driver) discard(l protocol.Line) {
	if strings.TrimSpace(l.Text) == "" {
		return
	}
	if d.noise != nil {
		d.noise(l)
	}
}
