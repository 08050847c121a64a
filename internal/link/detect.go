package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
)

// ErrModeUndetermined means neither passive traffic nor a probe reply was
// seen inside the detection window. Retry with another baud rate or timeout.
var ErrModeUndetermined = errors.New("mode undetermined")

// Mode is the traffic pattern a port was classified as.
type Mode int

const (
	ModeUnrecognized Mode = iota
	ModeStreaming
	ModeTerminal
)

func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "streaming"
	case ModeTerminal:
		return "terminal"
	}
	return "unrecognized"
}

// Detection is the outcome of Detect.
type Detection struct {
	Mode     Mode
	Dialect  protocol.Dialect
	Identity sensor.Identity
	// Frames holds the unsolicited data lines seen while detecting, in
	// arrival order, so readers can process them instead of losing them.
	Frames []protocol.Line
}

// Detect classifies the port within t.DetectWindow. It listens passively
// for t.PassiveWindow first, then probes "Get ProductName" in each dialect
// and finally HELP. The returned error is ErrModeUndetermined when nothing
// answered; I/O failures and cancellation are returned as-is.
func Detect(ctx context.Context, c *Conn, drv *Driver, dialects []protocol.Dialect, t Timing) (Detection, error) {
	t = t.Normalize()
	if len(dialects) == 0 {
		dialects = []protocol.Dialect{protocol.DialectFW2, protocol.DialectFW3}
	}
	det := Detection{Dialect: dialects[0]}
	start := time.Now()
	windowEnd := start.Add(t.DetectWindow)
	passiveEnd := start.Add(t.PassiveWindow)
	if passiveEnd.After(windowEnd) {
		passiveEnd = windowEnd
	}

	noteFrame := func(l protocol.Line) bool {
		if l.Format != protocol.FormatStreaming {
			return false
		}
		if f, err := protocol.ParseData(l.Text, sensor.TypeUnknown); err == nil {
			det.Identity.Merge(f.Identity())
		} else if fields := protocol.SplitTabs(l.Text); len(fields) >= 2 && protocol.LooksLikeIdentity(fields[0], fields[1]) {
			det.Identity.Merge(sensor.Identity{ProductNumber: fields[0], SerialNumber: fields[1]})
		}
		det.Frames = append(det.Frames, l)
		return len(det.Frames) >= t.MinStreamingFrames
	}

	// Passive listen.
	for time.Now().Before(passiveEnd) {
		l, err := c.ReadLine(ctx, time.Until(passiveEnd))
		if errors.Is(err, ErrTimeout) {
			break
		}
		if err != nil {
			return det, err
		}
		if noteFrame(l) {
			det.Mode = ModeStreaming
			c.log.Debugf("detected streaming output (%d frames)", len(det.Frames))
			return det, nil
		}
		if r, ok := protocol.ParseReply(l.Text); ok {
			det.Identity.Apply(r.Key, r.Value)
		}
	}

	// Active probes. Streaming lines that show up while waiting still count.
	streamed := false
	prevNoise := drv.noise
	drv.OnNoise(func(l protocol.Line) {
		if noteFrame(l) {
			streamed = true
		}
	})
	defer drv.OnNoise(prevNoise)

	probeTimeout := func() time.Duration {
		rem := time.Until(windowEnd)
		if rem > t.CommandTimeout {
			rem = t.CommandTimeout
		}
		return rem
	}

	rejected := false
	for _, dl := range dialects {
		if probeTimeout() <= 0 {
			break
		}
		drv.SetDialect(dl)
		res, err := drv.Probe(ctx, protocol.Get("ProductName"), probeTimeout())
		if streamed {
			det.Mode = ModeStreaming
			return det, nil
		}
		switch {
		case err == nil:
			det.Mode = ModeTerminal
			det.Dialect = dl
			det.Identity.Apply(res.Reply.Key, res.Reply.Value)
			c.log.Debugf("detected terminal mode (%s)", dl)
			return det, nil
		case errors.Is(err, ErrCommandRejected):
			rejected = true
		case errors.Is(err, ErrCommandTimeout):
		default:
			return det, err
		}
	}

	if rem := probeTimeout(); rem > 0 {
		dl := dialects[len(dialects)-1]
		drv.SetDialect(dl)
		res, err := drv.Probe(ctx, protocol.Help(), rem)
		if streamed {
			det.Mode = ModeStreaming
			return det, nil
		}
		switch {
		case err == nil && len(res.Lines) > 0:
			det.Mode = ModeTerminal
			det.Dialect = dl
			for _, p := range res.Pairs {
				det.Identity.Apply(p.Key, p.Value)
			}
			return det, nil
		case err == nil, errors.Is(err, ErrCommandTimeout), errors.Is(err, ErrCommandRejected):
		default:
			return det, err
		}
	}

	if rejected {
		// The sensor answers but refuses our property syntax. It is in
		// Terminal mode with a dialect we could not pin down.
		det.Mode = ModeTerminal
		det.Dialect = dialects[len(dialects)-1]
		return det, nil
	}

	det.Mode = ModeUnrecognized
	return det, fmt.Errorf("%w on %s after %v", ErrModeUndetermined, c.Path(), time.Since(start).Round(time.Millisecond))
}
