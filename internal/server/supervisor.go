package server

import (
	"context"
	"errors"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
)

// supervise keeps one endpoint connected until ctx is done. Each attempt uses
// a fresh Session; failures back off exponentially, starting at
// ReconnectMin and doubling up to ReconnectMax. Reaching the read loop
// resets the backoff.
func (s *Server) supervise(ctx context.Context, ep sensor.Endpoint) {
	s.cfg.mu.RLock()
	minDelay, maxDelay := s.cfg.Protocol.ReconnectMin, s.cfg.Protocol.ReconnectMax
	s.cfg.mu.RUnlock()
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	name := ep.Label()
	log := s.log.WithField("sensor", name)
	delay := minDelay
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reading, err := s.runSession(ctx, ep)
		if ctx.Err() != nil {
			return
		}
		if reading {
			delay = minDelay
			attempt = 0
		}
		attempt++
		log.Warnf("[%s] attempt %d ended: %v (retry in %v)", name, attempt, err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// runSession drives one session from connect to the end of its read loop.
// It reports whether the read loop was reached.
func (s *Server) runSession(ctx context.Context, ep sensor.Endpoint) (bool, error) {
	opts := s.cfg.SessionOptions()
	opts.Open = s.open
	opts.Log = s.log.WithField("component", "session")
	opts.Observer = s.metrics
	opts.OnEvent = s.handleEvent

	sess, err := session.New(ep, opts)
	if err != nil {
		return false, err
	}
	s.setSession(ep.Label(), sess)
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return false, err
	}
	if err := sess.Identify(ctx); err != nil && !errors.Is(err, session.ErrIdentityIncomplete) {
		return false, err
	}

	if req, ok := s.cfg.ConfigRequest(ep.Label()); ok {
		res, err := sess.Configure(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			s.log.Warnf("[%s] configure: %v", ep.Label(), err)
		} else {
			s.log.Infof("[%s] configured: interval=%gs verified=%v", ep.Label(), res.Interval, res.Verified)
		}
		switch st := sess.State(); st {
		case session.StateReconfigured, session.StateIdentified:
		case session.StateTerminalReady, session.StateStreaming:
			if err := sess.Identify(ctx); err != nil && !errors.Is(err, session.ErrIdentityIncomplete) {
				return false, err
			}
		default:
			return false, err
		}
	}

	return true, sess.Read(ctx, s.handleReading)
}
