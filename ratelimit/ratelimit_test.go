package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilPacer(t *testing.T) {
	var p *Pacer
	if err := p.WaitN(context.Background(), 1000); err != nil {
		t.Fatal(err)
	}
	if p.Rate() != 0 || p.Frames() != 0 || p.Due() != 0 {
		t.Fatal("nil pacer must be unlimited")
	}
	if New(0) != nil {
		t.Fatal("New(0) must return nil")
	}
}

func TestDue(t *testing.T) {
	p := New(1000)
	base := p.start
	now := base
	p.now = func() time.Time { return now }

	if p.Rate() != 1000 {
		t.Fatalf("rate %d", p.Rate())
	}
	p.frames = 500
	if d := p.Due(); d != 500*time.Millisecond {
		t.Fatalf("due %v, want 500ms", d)
	}
	now = base.Add(2 * time.Second)
	if d := p.Due(); d != 0 {
		t.Fatalf("due %v when behind schedule", d)
	}
}

func TestWaitNChecksPeriodically(t *testing.T) {
	p := New(1000)
	now := p.start

	// checkEvery is 16 at this rate; the first 15 frames never look at the
	// clock.
	calls := 0
	p.now = func() time.Time { calls++; return now.Add(time.Hour) }
	for range 15 {
		if err := p.WaitN(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 0 {
		t.Fatalf("clock read %d times before the check interval", calls)
	}
	if err := p.WaitN(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("clock read %d times, want 1", calls)
	}
	if p.Frames() != 16 {
		t.Fatalf("frames %d", p.Frames())
	}
}

func TestWaitNCanceled(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Far ahead of schedule, so WaitN would block for minutes.
	err := p.WaitN(ctx, 1000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestWaitNPaces(t *testing.T) {
	p := New(10_000)
	start := time.Now()
	for range 500 {
		if err := p.WaitN(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	if el := time.Since(start); el < 40*time.Millisecond {
		t.Fatalf("500 frames at 10k/s took %v", el)
	}
}
