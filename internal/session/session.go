// Package session drives one sensor endpoint through its lifecycle: open,
// wake, detect, identify, read and (optionally) reconfigure.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/sirupsen/logrus"
)

// Options tunes a Session. Zero values take the defaults noted per field.
type Options struct {
	Timing link.Timing
	Open   link.Opener // default link.OpenSerial

	ReadTimeout      time.Duration // per-line wait while reading; default Endpoint.Timeout, else 1s
	PollInterval     time.Duration // DO cadence for Terminal-mode sensors; default 10s
	NudgeAfter       int           // silent reads before sending a bare CRLF; default 8
	PollAfter        int           // silent reads before sending DO to a streaming sensor; default 25
	MaxReadTimeouts  int           // silent reads before declaring the link lost; default 300
	MaxPollFailures  int           // consecutive DO timeouts before giving up; default 5
	IdentifyAttempts int           // default 3

	Log      *logrus.Entry
	Observer Observer
	OnEvent  func(Event)
}

func (o Options) withDefaults(ep sensor.Endpoint) Options {
	o.Timing = o.Timing.Normalize()
	if o.Open == nil {
		o.Open = link.OpenSerial
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = ep.Timeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.NudgeAfter <= 0 {
		o.NudgeAfter = 8
	}
	if o.PollAfter <= 0 {
		o.PollAfter = 25
	}
	if o.MaxReadTimeouts <= 0 {
		o.MaxReadTimeouts = 300
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = 5
	}
	if o.IdentifyAttempts <= 0 {
		o.IdentifyAttempts = 3
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Session owns one serial port. Connect, Identify, Read and Configure must be
// called from a single goroutine; Status may be called from anywhere.
type Session struct {
	ep       sensor.Endpoint
	opts     Options
	log      *logrus.Entry
	obs      Observer
	dialects []protocol.Dialect

	mu       sync.RWMutex
	state    State
	since    time.Time
	runID    string
	mode     link.Mode
	dialect  protocol.Dialect
	typ      sensor.Type
	identity sensor.Identity
	frames   uint64
	rejected uint64
	readings uint64
	lastErr  error

	port    link.Port
	conn    *link.Conn
	drv     *link.Driver
	pending []protocol.Line
}

// New validates ep and returns an unopened session.
func New(ep sensor.Endpoint, opts Options) (*Session, error) {
	if ep.Port == "" {
		return nil, errors.New("endpoint has no port")
	}
	dialects, err := protocol.ParseDialects(ep.Dialect)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ep.Label(), err)
	}
	// A zero Endpoint has Type "", which must infer like "unknown".
	if ep.Type, err = sensor.ParseType(string(ep.Type)); err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ep.Label(), err)
	}
	opts = opts.withDefaults(ep)
	return &Session{
		ep:       ep,
		opts:     opts,
		log:      opts.Log.WithFields(logrus.Fields{"component": "session", "sensor": ep.Label(), "port": ep.Port}),
		obs:      opts.Observer,
		dialects: dialects,
		state:    StateUnopened,
		since:    time.Now(),
		typ:      ep.Type,
		dialect:  dialects[0],
	}, nil
}

// Endpoint returns the configuration the session was created with.
func (s *Session) Endpoint() sensor.Endpoint { return s.ep }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Mode returns the traffic pattern found by the last detection.
func (s *Session) Mode() link.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Identity returns what the sensor has reported about itself so far.
func (s *Session) Identity() sensor.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Type returns the configured or inferred sensor type.
func (s *Session) Type() sensor.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typ
}

// Status returns a snapshot for dashboards and the CLI.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Endpoint: s.ep.Label(),
		Port:     s.ep.Port,
		RunID:    s.runID,
		State:    s.state,
		Since:    s.since,
		Mode:     s.mode.String(),
		Dialect:  s.dialect.String(),
		Type:     s.typ,
		Identity: s.identity,
		Frames:   s.frames,
		Rejected: s.rejected,
		Readings: s.readings,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.since = time.Now()
	ev := Event{Endpoint: s.ep.Label(), Port: s.ep.Port, RunID: s.runID, From: from, To: to, At: s.since}
	if to == StateError && s.lastErr != nil {
		ev.Err = s.lastErr.Error()
	}
	s.mu.Unlock()

	s.log.Debugf("state %s -> %s", from, to)
	s.obs.StateChanged(s.ep.Label(), to.String())
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// fail records err, moves to Error and releases the port.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.log.WithError(err).Error("session failed")
	s.closePort()
	s.setState(StateError)
	return err
}

// check returns an error when the session can no longer be used.
func (s *Session) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateError {
		return fmt.Errorf("%w: %v", ErrFailed, s.lastErr)
	}
	return nil
}

// ioErr routes an error from the link layer. Cancellation is passed through
// untouched; anything else is fatal.
func (s *Session) ioErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return s.fail(err)
}

func (s *Session) closePort() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debugf("close: %v", err)
		}
	}
	s.port, s.conn, s.drv = nil, nil, nil
	s.pending = nil
}

// Connect opens the port, wakes the sensor and classifies its mode. It ends
// in Streaming, TerminalReady or Unrecognized. An undetermined mode is
// returned as a wrapped link.ErrModeUndetermined and leaves the port open so
// the caller can retry or give up.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.conn != nil {
		s.closePort()
	}

	s.mu.Lock()
	s.runID = uuid.NewString()
	s.mu.Unlock()

	port, err := s.opts.Open(s.ep.Port, s.ep.BaudRate)
	if err != nil {
		if !errors.Is(err, link.ErrPortUnavailable) {
			err = fmt.Errorf("%w: %v", link.ErrPortUnavailable, err)
		}
		return s.fail(err)
	}
	conn, err := link.NewConn(port, s.ep.Port, s.opts.Timing.ReadQuantum, s.log)
	if err != nil {
		_ = port.Close()
		return s.fail(err)
	}
	s.port, s.conn = port, conn
	s.drv = link.NewDriver(conn, s.dialects[0], s.opts.Timing, s.log)
	s.drv.OnNoise(s.noise)
	s.setState(StateOpened)

	idle, err := conn.Idle()
	if err != nil {
		return s.ioErr(err)
	}
	if idle {
		s.setState(StateAsleep)
	}
	return s.wakeAndDetect(ctx)
}

func (s *Session) wakeAndDetect(ctx context.Context) error {
	s.setState(StateWakingUp)
	wr, err := link.Wake(ctx, s.conn, s.opts.Timing)
	if err != nil {
		return s.ioErr(err)
	}
	if !wr.Confirmed {
		s.log.Debugf("%v after %v, probing anyway", link.ErrHandshakeInconclusive, wr.Elapsed.Round(time.Millisecond))
	}

	det, err := link.Detect(ctx, s.conn, s.drv, s.dialects, s.opts.Timing)
	s.pending = append(s.pending, det.Frames...)
	s.mu.Lock()
	s.identity.Merge(det.Identity)
	s.mode = det.Mode
	s.dialect = det.Dialect
	s.mu.Unlock()
	s.drv.SetDialect(det.Dialect)

	switch {
	case errors.Is(err, link.ErrModeUndetermined):
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.log.Warn(err)
		s.setState(StateUnrecognized)
		return err
	case err != nil:
		return s.ioErr(err)
	}

	s.inferType()
	if det.Mode == link.ModeStreaming {
		s.setState(StateStreaming)
	} else {
		s.setState(StateTerminalReady)
	}
	s.log.Infof("detected %s mode (%s)", det.Mode, det.Dialect)
	return nil
}

// noise keeps data lines the driver skipped while waiting for a reply.
func (s *Session) noise(l protocol.Line) {
	if l.Format == protocol.FormatStreaming {
		s.pending = append(s.pending, l)
	}
}

func (s *Session) inferType() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != sensor.TypeUnknown {
		return
	}
	if t := sensor.InferType(s.identity.ProductNumber); t != sensor.TypeUnknown {
		s.typ = t
		s.log.Infof("inferred type %s from product %s", t, s.identity.ProductNumber)
	}
}

// Identify collects product, serial and software version. In Streaming mode
// they come from the frames; in Terminal mode from GET queries. An identity
// still incomplete after the attempt budget is reported as a wrapped
// ErrIdentityIncomplete, and the session still moves to Identified.
func (s *Session) Identify(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	st := s.State()
	if st != StateStreaming && st != StateTerminalReady {
		return fmt.Errorf("identify in state %s: %w", st, ErrWrongState)
	}

	askedTerminal := false
	for attempt := 1; attempt <= s.opts.IdentifyAttempts && !s.Identity().Complete(); attempt++ {
		var err error
		if s.Mode() == link.ModeStreaming {
			err = s.identifyFromStream(ctx)
		} else {
			askedTerminal = true
			err = s.identifyFromTerminal(ctx)
		}
		if err != nil {
			return s.ioErr(err)
		}
	}
	// identifyFromTerminal already asks for SWVersion while it is unknown.
	if s.Mode() == link.ModeTerminal && !askedTerminal && s.Identity().SoftwareVersion == "" {
		if v, err := s.drv.Get(ctx, "SWVersion"); err == nil {
			s.mu.Lock()
			s.identity.Apply("SWVersion", v)
			s.mu.Unlock()
		} else if fatal(err) {
			return s.ioErr(err)
		}
	}

	s.inferType()
	s.setState(StateIdentified)
	id := s.Identity()
	if !id.Complete() {
		s.log.Warnf("identity incomplete after %d attempts: %s", s.opts.IdentifyAttempts, id)
		return fmt.Errorf("%w: %s", ErrIdentityIncomplete, id)
	}
	s.log.Infof("identified %s as %s", id, s.Type())
	return nil
}

func (s *Session) identifyFromStream(ctx context.Context) error {
	for _, l := range s.pending {
		s.mergeFrame(l)
	}
	deadline := time.Now().Add(s.opts.Timing.DetectWindow)
	for !s.Identity().Complete() && time.Now().Before(deadline) {
		l, err := s.conn.ReadLine(ctx, time.Until(deadline))
		if errors.Is(err, link.ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
		if l.Format == protocol.FormatStreaming {
			s.mergeFrame(l)
			s.pending = append(s.pending, l)
		} else if r, ok := protocol.ParseReply(l.Text); ok {
			s.mu.Lock()
			s.identity.Apply(r.Key, r.Value)
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *Session) mergeFrame(l protocol.Line) {
	f, err := protocol.ParseData(l.Text, s.Type())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.identity.Merge(f.Identity())
	s.mu.Unlock()
}

func (s *Session) identifyFromTerminal(ctx context.Context) error {
	props := []struct {
		name  string
		known func(sensor.Identity) bool
	}{
		{"ProductName", func(id sensor.Identity) bool { return id.ProductNumber != "" }},
		{"SerialNumber", func(id sensor.Identity) bool { return id.SerialNumber != "" }},
		{"SWVersion", func(id sensor.Identity) bool { return id.SoftwareVersion != "" }},
	}
	for _, p := range props {
		if p.known(s.Identity()) {
			continue
		}
		v, err := s.drv.Get(ctx, p.name)
		if err != nil {
			if fatal(err) {
				return err
			}
			s.obs.CommandFailed(s.ep.Label(), protocol.VerbGet.String(), reason(err))
			s.log.Debugf("get %s: %v", p.name, err)
			continue
		}
		s.mu.Lock()
		s.identity.Apply(p.name, v)
		s.mu.Unlock()
	}
	return nil
}

// Close releases the port. A failed session stays in Error.
func (s *Session) Close() error {
	s.closePort()
	if s.State() != StateError {
		s.setState(StateUnopened)
	}
	return nil
}

// fatal reports errors that end the current operation rather than a single
// command.
func fatal(err error) bool {
	return errors.Is(err, link.ErrLinkLost) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func reason(err error) string {
	switch {
	case errors.Is(err, link.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, link.ErrCommandRejected):
		return "rejected"
	case errors.Is(err, protocol.ErrIncomplete):
		return "incomplete"
	case errors.Is(err, protocol.ErrUnrecognizedFormat):
		return "unrecognized"
	}
	return "other"
}
