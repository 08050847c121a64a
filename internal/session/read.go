package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/sirupsen/logrus"
)

// Read emits readings until ctx is cancelled or the link fails. Streaming
// sensors are read frame by frame; Terminal sensors are polled with DO every
// PollInterval. Malformed frames are dropped and counted, never emitted, and
// never end the loop. emit runs on the session goroutine.
func (s *Session) Read(ctx context.Context, emit func(Reading)) error {
	if err := s.check(); err != nil {
		return err
	}
	st := s.State()
	if st != StateIdentified && st != StateReconfigured {
		return fmt.Errorf("read in state %s: %w", st, ErrWrongState)
	}
	s.setState(StateReading)
	if s.Mode() == link.ModeTerminal {
		return s.pollLoop(ctx, emit)
	}
	return s.streamLoop(ctx, emit)
}

func (s *Session) next(ctx context.Context) (protocol.Line, error) {
	if len(s.pending) > 0 {
		l := s.pending[0]
		s.pending = s.pending[1:]
		return l, nil
	}
	return s.conn.ReadLine(ctx, s.opts.ReadTimeout)
}

func (s *Session) streamLoop(ctx context.Context, emit func(Reading)) error {
	silent := 0
	for {
		l, err := s.next(ctx)
		switch {
		case errors.Is(err, link.ErrTimeout):
			silent++
			if err := s.quiet(silent); err != nil {
				return err
			}
			continue
		case err != nil:
			return s.ioErr(err)
		}
		if strings.TrimSpace(l.Text) == "" {
			continue
		}
		silent = 0
		s.handleLine(l, emit)
	}
}

// quiet reacts to n consecutive silent reads: nudge the line, then ask for a
// sample, then give up.
func (s *Session) quiet(n int) error {
	var err error
	switch {
	case n >= s.opts.MaxReadTimeouts:
		return s.fail(fmt.Errorf("%w: no data for %d reads of %v", link.ErrLinkLost, n, s.opts.ReadTimeout))
	case n == s.opts.NudgeAfter:
		s.log.Debug("no data, nudging")
		err = s.conn.WriteLine("")
	case n == s.opts.PollAfter:
		s.log.Info("no data, requesting a sample")
		err = s.conn.WriteLine(protocol.Do().Encode(s.drv.Dialect()))
	}
	if err != nil {
		return s.ioErr(err)
	}
	return nil
}

func (s *Session) handleLine(l protocol.Line, emit func(Reading)) {
	switch l.Format {
	case protocol.FormatStreaming:
		f, err := protocol.ParseData(l.Text, s.Type())
		if err != nil {
			s.reject(l, err)
			return
		}
		s.accept(f.Type, f.Identity(), f.Fields, l.Seq, l.At, emit)
	case protocol.FormatTerminal:
		if r, ok := protocol.ParseReply(l.Text); ok {
			s.mu.Lock()
			s.identity.Apply(r.Key, r.Value)
			s.mu.Unlock()
		}
	default:
		s.reject(l, fmt.Errorf("%w: %q", protocol.ErrUnrecognizedFormat, l.Text))
	}
}

func (s *Session) reject(l protocol.Line, err error) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	why := reason(err)
	if why == "other" {
		why = "malformed"
	}
	s.obs.FrameRejected(s.ep.Label(), why)
	s.log.WithFields(logrus.Fields{"seq": l.Seq, "reason": why}).Debugf("dropped frame: %v", err)
}

func (s *Session) accept(t sensor.Type, id sensor.Identity, fields sensor.Fields, seq uint64, at time.Time, emit func(Reading)) {
	s.mu.Lock()
	s.identity.Merge(id)
	if s.typ == sensor.TypeUnknown {
		s.typ = t
	}
	s.frames++
	s.mu.Unlock()
	s.obs.FrameAccepted(s.ep.Label())

	ms := sensor.Map(t, fields, at)
	if len(ms) == 0 {
		s.log.WithField("seq", seq).Debug("frame carried no usable values")
		return
	}

	s.mu.Lock()
	s.readings++
	r := Reading{
		RunID:        s.runID,
		Endpoint:     s.ep.Label(),
		Port:         s.ep.Port,
		Type:         t,
		Identity:     s.identity,
		Seq:          seq,
		At:           at,
		Measurements: ms,
	}
	s.mu.Unlock()
	s.obs.MeasurementsEmitted(s.ep.Label(), len(ms))
	emit(r)
}

func (s *Session) pollLoop(ctx context.Context, emit func(Reading)) error {
	failures := 0
	for {
		res, err := s.drv.Request(ctx, protocol.Do())
		switch {
		case err == nil:
			failures = 0
			s.handlePoll(res, emit)
		case errors.Is(err, link.ErrCommandTimeout), errors.Is(err, link.ErrCommandRejected):
			s.obs.CommandFailed(s.ep.Label(), protocol.VerbDo.String(), reason(err))
			if errors.Is(err, link.ErrCommandTimeout) {
				failures++
			}
			if failures >= s.opts.MaxPollFailures {
				return s.fail(fmt.Errorf("%w: %d polls unanswered", link.ErrLinkLost, failures))
			}
			s.log.Warnf("poll: %v", err)
		default:
			return s.ioErr(err)
		}

		for len(s.pending) > 0 {
			l := s.pending[0]
			s.pending = s.pending[1:]
			s.handleLine(l, emit)
		}
		if err := link.Sleep(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

// handlePoll turns a DO reply into readings. Sensors answer either with a
// data line or with a block of "Name: value" pairs.
func (s *Session) handlePoll(res link.Result, emit func(Reading)) {
	for _, l := range res.Data {
		s.handleLine(l, emit)
	}
	if len(res.Pairs) == 0 {
		return
	}
	var id sensor.Identity
	for _, p := range res.Pairs {
		id.Apply(p.Key, p.Value)
	}
	t := s.Type()
	if t == sensor.TypeUnknown {
		t = sensor.InferType(id.ProductNumber)
	}
	seq := s.conn.Seq()
	if t == sensor.TypeUnknown {
		s.reject(protocol.Line{Seq: seq}, fmt.Errorf("%w: DO reply from untyped sensor", protocol.ErrUnrecognizedFormat))
		return
	}
	s.accept(t, id, protocol.FieldsFromPairs(res.Pairs), seq, time.Now(), emit)
}
