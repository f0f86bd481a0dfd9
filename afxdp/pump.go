package afxdp

import (
	"context"
	"sync/atomic"

	"github.com/romshark/rxring-go/nicsim"
)

// waitTimeoutMS bounds how long Pump blocks on an idle socket before it
// looks at its context again.
const waitTimeoutMS = 10

// Frame is a borrowed UMEM frame. Buf is valid until the frame is
// released.
type Frame struct {
	Buf  []byte
	Addr uint64
}

// Source yields borrowed frames. *Socket implements it.
type Source interface {
	Receive(buf []Frame) []Frame
	ReleaseBatch(frames []Frame)
	Wait(timeoutMS int) error
}

// Injector accepts frames for a device. *nicsim.Device implements it.
type Injector interface {
	Inject(f nicsim.Frame) bool
}

// PumpCounters counts frames Pump injected and dropped. Safe to read
// while Pump runs.
type PumpCounters struct {
	Frames  atomic.Uint64
	Bytes   atomic.Uint64
	Dropped atomic.Uint64
}

// Pump copies frames from src into dst in batches of up to batch frames
// until ctx is canceled or src fails. Frames dst refuses are counted as
// dropped. Every frame taken from src is released before the next batch.
// It returns ctx.Err() on cancellation.
func Pump(ctx context.Context, src Source, dst Injector, batch int, c *PumpCounters) error {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if c == nil {
		c = new(PumpCounters)
	}
	buf := make([]Frame, batch)
	for ctx.Err() == nil {
		frames := src.Receive(buf)
		if len(frames) == 0 {
			if err := src.Wait(waitTimeoutMS); err != nil {
				return err
			}
			continue
		}
		var n, bytes uint64
		for _, fr := range frames {
			// The device keeps the frame past ReleaseBatch.
			data := append([]byte(nil), fr.Buf...)
			if !dst.Inject(nicsim.Frame{Data: data}) {
				c.Dropped.Add(1)
				continue
			}
			n++
			bytes += uint64(len(data))
		}
		src.ReleaseBatch(frames)
		c.Frames.Add(n)
		c.Bytes.Add(bytes)
	}
	return ctx.Err()
}
