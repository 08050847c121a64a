package link

import (
	"context"
	"errors"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
)

// ErrHandshakeInconclusive is reported when no "!" followed the wake byte.
// It is informational: streaming firmware never sends one.
var ErrHandshakeInconclusive = errors.New("handshake inconclusive: no ready indicator")

const wakeByte = "%"

// WakeResult describes one handshake attempt.
type WakeResult struct {
	Confirmed bool
	Elapsed   time.Duration
}

// Wake sends a burst of line terminators to flush sleep-mode buffering, then
// the wake byte, then listens for "!". Any other lines that arrive stay queued
// on c for the mode detector.
//
// The call never takes longer than t.WakeBudget() plus one read quantum.
// A missing "!" is not an error; check Confirmed.
func Wake(ctx context.Context, c *Conn, t Timing) (WakeResult, error) {
	t = t.Normalize()
	start := time.Now()
	res := WakeResult{}

	for i := 0; i < t.WakeBursts; i++ {
		if err := c.Write([]byte("\r\n")); err != nil {
			return res, err
		}
		if err := Sleep(ctx, t.WakeSpacing); err != nil {
			return res, err
		}
	}
	if err := c.Write([]byte(wakeByte)); err != nil {
		return res, err
	}

	ok, err := c.WaitFor(ctx, t.WakeWait, func(l protocol.Line) bool {
		return protocol.IsReady(l.Text)
	})
	res.Confirmed = ok
	res.Elapsed = time.Since(start)
	if err != nil {
		return res, err
	}
	if ok {
		c.log.Debugf("wake confirmed after %v", res.Elapsed)
	} else {
		c.log.Debugf("wake sent, no ready indicator within %v", t.WakeWait)
	}
	return res, nil
}
