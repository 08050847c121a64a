package link

import (
	"context"
	"time"
)

// Timing holds every wait used by the handshake, detector and driver.
// All of them are bounded; none blocks indefinitely.
type Timing struct {
	WakeBursts  int           // line terminators sent before the wake byte, 3 to 5
	WakeSpacing time.Duration // gap between terminators
	WakeWait    time.Duration // how long to listen for "!" after "%"

	PassiveWindow      time.Duration // listen-only part of detection
	DetectWindow       time.Duration // whole detection budget, probes included
	MinStreamingFrames int           // unsolicited frames needed to call it Streaming

	CommandTimeout time.Duration
	CommandRetries int
	SaveGrace      time.Duration
	ResetGrace     time.Duration
	ResetSettle    time.Duration // wait after Reset before reopening

	ReadQuantum time.Duration // single port read; bounds cancellation latency
}

// Terminator bursts sent before the wake byte.
const (
	minWakeBursts = 3
	maxWakeBursts = 5
)

// DefaultTiming matches what field units tolerate at 9600 baud.
func DefaultTiming() Timing {
	return Timing{
		WakeBursts:         5,
		WakeSpacing:        150 * time.Millisecond,
		WakeWait:           1 * time.Second,
		PassiveWindow:      3 * time.Second,
		DetectWindow:       6 * time.Second,
		MinStreamingFrames: 1,
		CommandTimeout:     2 * time.Second,
		CommandRetries:     1,
		SaveGrace:          2 * time.Second,
		ResetGrace:         1 * time.Second,
		ResetSettle:        4 * time.Second,
		ReadQuantum:        100 * time.Millisecond,
	}
}

// WakeBudget is the upper bound of Wake, excluding one read quantum.
func (t Timing) WakeBudget() time.Duration {
	return time.Duration(t.WakeBursts)*t.WakeSpacing + t.WakeWait
}

// Normalize returns t with unset fields taken from DefaultTiming.
func (t Timing) Normalize() Timing {
	d := DefaultTiming()
	switch {
	case t.WakeBursts <= 0:
		t.WakeBursts = d.WakeBursts
	case t.WakeBursts < minWakeBursts:
		t.WakeBursts = minWakeBursts
	case t.WakeBursts > maxWakeBursts:
		t.WakeBursts = maxWakeBursts
	}
	if t.WakeSpacing <= 0 {
		t.WakeSpacing = d.WakeSpacing
	}
	if t.WakeWait <= 0 {
		t.WakeWait = d.WakeWait
	}
	if t.PassiveWindow <= 0 {
		t.PassiveWindow = d.PassiveWindow
	}
	if t.DetectWindow <= 0 {
		t.DetectWindow = d.DetectWindow
	}
	if t.MinStreamingFrames <= 0 {
		t.MinStreamingFrames = d.MinStreamingFrames
	}
	if t.CommandTimeout <= 0 {
		t.CommandTimeout = d.CommandTimeout
	}
	if t.CommandRetries < 0 {
		t.CommandRetries = 0
	}
	if t.SaveGrace <= 0 {
		t.SaveGrace = d.SaveGrace
	}
	if t.ResetGrace <= 0 {
		t.ResetGrace = d.ResetGrace
	}
	if t.ResetSettle <= 0 {
		t.ResetSettle = d.ResetSettle
	}
	if t.ReadQuantum <= 0 {
		t.ReadQuantum = d.ReadQuantum
	}
	return t
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
