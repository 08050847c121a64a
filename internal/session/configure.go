package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
)

// StepOutcome records what happened to one configuration command.
type StepOutcome struct {
	Command string `json:"command"`
	Acked   bool   `json:"acked"`
	Reply   string `json:"reply,omitempty"`
	Err     string `json:"error,omitempty"`
}

// ConfigResult summarizes a Configure run.
type ConfigResult struct {
	Steps      []StepOutcome `json:"steps"`
	Interval   float64       `json:"interval"` // seconds, as read back
	PolledMode string        `json:"polledMode"`
	Verified   bool          `json:"verified"`
	Restarted  bool          `json:"restarted"` // streaming resumed afterwards
}

// Configure writes the sampling interval and disables polled mode, saves,
// optionally resets, then reads the settings back. A streaming sensor is
// stopped first and restarted at the end. Only an explicit error reply to a
// required step aborts; silence is tolerated. Running it twice with the same
// request leaves the sensor in the same state.
func (s *Session) Configure(ctx context.Context, req protocol.ConfigRequest) (ConfigResult, error) {
	var res ConfigResult
	if err := s.check(); err != nil {
		return res, err
	}
	if req.Interval <= 0 {
		return res, fmt.Errorf("configure: interval must be positive, got %v", req.Interval)
	}
	switch st := s.State(); st {
	case StateStreaming, StateTerminalReady, StateIdentified, StateReconfigured:
	default:
		return res, fmt.Errorf("configure in state %s: %w", st, ErrWrongState)
	}

	wasStreaming, err := s.ensureTerminal(ctx)
	if err != nil {
		return res, err
	}

	s.setState(StateConfiguring)
	log := s.log.WithField("op", "configure")
	reset := false
	for _, step := range protocol.BuildConfigSequence(req) {
		wire := step.Command.Encode(s.drv.Dialect())
		r, err := s.drv.Request(ctx, step.Command)
		out := StepOutcome{Command: wire, Acked: r.Acked, Reply: r.Reply.Value}
		if err != nil {
			out.Err = err.Error()
		}
		res.Steps = append(res.Steps, out)

		switch {
		case err == nil:
			log.Debugf("%s ok (ack=%v)", wire, r.Acked)
		case errors.Is(err, link.ErrCommandRejected):
			s.obs.CommandFailed(s.ep.Label(), step.Command.Verb.String(), "rejected")
			if step.Required {
				s.setState(StateTerminalReady)
				return res, fmt.Errorf("configure: %w", err)
			}
			log.Warnf("optional step refused: %v", err)
		case errors.Is(err, link.ErrCommandTimeout):
			s.obs.CommandFailed(s.ep.Label(), step.Command.Verb.String(), "timeout")
			log.Warnf("%s: no reply, continuing", wire)
		default:
			return res, s.ioErr(err)
		}
		if step.Command.Verb == protocol.VerbReset {
			reset = true
		}
	}

	if reset {
		log.Info("sensor reset, reconnecting")
		s.closePort()
		s.setState(StateUnopened)
		if err := link.Sleep(ctx, s.opts.Timing.ResetSettle); err != nil {
			return res, err
		}
		if err := s.Connect(ctx); err != nil {
			return res, err
		}
		restreamed, err := s.ensureTerminal(ctx)
		if err != nil {
			return res, err
		}
		wasStreaming = wasStreaming || restreamed
	}

	s.setState(StateVerifying)
	verifyErr := s.verify(ctx, req, &res)
	if verifyErr != nil && !errors.Is(verifyErr, ErrVerifyMismatch) {
		return res, verifyErr
	}

	if wasStreaming {
		if _, err := s.drv.Request(ctx, protocol.Start()); err != nil {
			if fatal(err) {
				return res, s.ioErr(err)
			}
			log.Warnf("restart streaming: %v", err)
		} else {
			res.Restarted = true
			s.mu.Lock()
			s.mode = link.ModeStreaming
			s.mu.Unlock()
		}
	}

	if verifyErr != nil {
		s.setState(StateTerminalReady)
		return res, verifyErr
	}
	s.setState(StateReconfigured)
	log.Infof("configured interval=%gs polled=%s verified=%v", res.Interval, res.PolledMode, res.Verified)
	return res, nil
}

// ensureTerminal stops a streaming sensor and re-detects until it answers
// commands. It reports whether the sensor had been streaming.
func (s *Session) ensureTerminal(ctx context.Context) (bool, error) {
	switch s.Mode() {
	case link.ModeTerminal:
		return false, nil
	case link.ModeUnrecognized:
		return false, ErrNotTerminal
	}

	s.log.Info("stopping streaming output")
	for _, dl := range s.dialects {
		s.drv.SetDialect(dl)
		r, err := s.drv.Request(ctx, protocol.Stop())
		if err != nil && fatal(err) {
			return true, s.ioErr(err)
		}
		if r.Acked {
			break
		}
	}
	if _, err := s.conn.Drain(ctx, s.opts.Timing.CommandTimeout); err != nil {
		return true, s.ioErr(err)
	}
	s.pending = nil

	if err := s.wakeAndDetect(ctx); err != nil {
		return true, err
	}
	if s.Mode() != link.ModeTerminal {
		return true, fmt.Errorf("after stop: %w", ErrNotTerminal)
	}
	return true, nil
}

// verify reads Interval and polled mode back. A value that cannot be read is
// inconclusive; a value that differs is ErrVerifyMismatch.
func (s *Session) verify(ctx context.Context, req protocol.ConfigRequest, res *ConfigResult) error {
	want := req.Interval.Seconds()
	var mismatches []string
	checked := 0

	v, err := s.drv.Get(ctx, protocol.PropInterval)
	switch {
	case err == nil:
		if got, ok := protocol.ExtractLastFloat(v); ok {
			checked++
			res.Interval = got
			if math.Abs(got-want) > 1e-3 {
				mismatches = append(mismatches, fmt.Sprintf("interval %g, want %g", got, want))
			}
		}
	case fatal(err):
		return s.ioErr(err)
	default:
		s.log.Debugf("verify interval: %v", err)
	}

	v, err = s.drv.Get(ctx, protocol.PropPolledMode)
	switch {
	case err == nil:
		checked++
		res.PolledMode = v
		if !isOff(v) {
			mismatches = append(mismatches, fmt.Sprintf("polled mode %q, want no", v))
		}
	case fatal(err):
		return s.ioErr(err)
	default:
		s.log.Debugf("verify polled mode: %v", err)
	}

	if len(mismatches) > 0 {
		return fmt.Errorf("%w: %s", ErrVerifyMismatch, strings.Join(mismatches, "; "))
	}
	res.Verified = checked == 2
	return nil
}

func isOff(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "no", "false", "0", "off", "disabled":
		return true
	}
	return false
}
