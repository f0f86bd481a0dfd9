// Package ratelimit paces frame generation to a target frames-per-second
// rate.
package ratelimit

import (
	"context"
	"time"
)

// Pacer spreads frames evenly over time at a fixed rate.
// A nil *Pacer never waits.
// Not safe for concurrent use.
type Pacer struct {
	interval   time.Duration
	frames     uint64
	start      time.Time
	checkEvery uint64
	now        func() time.Time
}

// New returns a pacer for fps frames per second, or nil when fps is 0.
func New(fps uint64) *Pacer {
	if fps == 0 {
		return nil
	}
	return &Pacer{
		interval: time.Second / time.Duration(fps),
		start:    time.Now(),
		// Look at the clock about every 10ms worth of frames, but at least
		// every 1024 and at most every 16 frames.
		checkEvery: min(max(fps/100, 16), 1024),
		now:        time.Now,
	}
}

// Rate returns frames per second, or 0 for an unlimited pacer.
func (p *Pacer) Rate() uint64 {
	if p == nil {
		return 0
	}
	return uint64(time.Second / p.interval)
}

// Frames returns the number of frames accounted so far.
func (p *Pacer) Frames() uint64 {
	if p == nil {
		return 0
	}
	return p.frames
}

// Due returns how long to wait before the frames accounted so far are
// within the rate. It does not account anything.
func (p *Pacer) Due() time.Duration {
	if p == nil {
		return 0
	}
	expected := p.start.Add(time.Duration(p.frames) * p.interval)
	if d := expected.Sub(p.now()); d > 0 {
		return d
	}
	return 0
}

// WaitN accounts n frames and blocks until they are within the rate or
// ctx is done. Time lost while behind schedule is not made up by sending
// faster later than the rate allows.
func (p *Pacer) WaitN(ctx context.Context, n uint64) error {
	if p == nil || n == 0 {
		return ctx.Err()
	}
	before := p.frames / p.checkEvery
	p.frames += n
	if p.frames/p.checkEvery == before {
		return nil
	}

	d := p.Due()
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
