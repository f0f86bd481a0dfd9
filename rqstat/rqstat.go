// Package rqstat snapshots, diffs and prints receive queue counters.
package rqstat

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/rxring-go/nicsim"
	"github.com/romshark/rxring-go/rx"
)

// Source is a receive queue with an optional device model behind it.
type Source struct {
	Name   string
	RQ     interface{ Counters() rx.Counters }
	Device interface{ Counters() nicsim.Counters }
}

// Queue holds the counters of one queue.
type Queue struct {
	RX     rx.Counters
	Device nicsim.Counters
}

// Per-queue values keyed by queue name.
type Stats map[string]Queue

// Snapshot reads the counters of all sources.
func Snapshot(sources []Source) Stats {
	s := make(Stats, len(sources))
	for _, src := range sources {
		var q Queue
		if src.RQ != nil {
			q.RX = src.RQ.Counters()
		}
		if src.Device != nil {
			q.Device = src.Device.Counters()
		}
		s[src.Name] = q
	}
	return s
}

// Since computes s(now) - old. Queues missing from old diff against zero.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for name, now := range s {
		prev := old[name]
		out[name] = Queue{
			RX:     subRX(now.RX, prev.RX),
			Device: subDevice(now.Device, prev.Device),
		}
	}
	return out
}

// Total sums all queues.
func (s Stats) Total() Queue {
	var t Queue
	for _, q := range s {
		t.RX = addRX(t.RX, q.RX)
		t.Device = addDevice(t.Device, q.Device)
	}
	return t
}

func subRX(a, b rx.Counters) rx.Counters {
	return rx.Counters{
		Packets:    a.Packets - b.Packets,
		Bytes:      a.Bytes - b.Bytes,
		Delivered:  a.Delivered - b.Delivered,
		LROQueued:  a.LROQueued - b.LROQueued,
		LROFlushed: a.LROFlushed - b.LROFlushed,
		LROEvicted: a.LROEvicted - b.LROEvicted,
		WQEErr:     a.WQEErr - b.WQEErr,
		CsumNone:   a.CsumNone - b.CsumNone,
		NoMemory:   a.NoMemory - b.NoMemory,
		DMAErr:     a.DMAErr - b.DMAErr,
		Posted:     a.Posted - b.Posted,
		Polls:      a.Polls - b.Polls,
	}
}

func addRX(a, b rx.Counters) rx.Counters {
	return rx.Counters{
		Packets:    a.Packets + b.Packets,
		Bytes:      a.Bytes + b.Bytes,
		Delivered:  a.Delivered + b.Delivered,
		LROQueued:  a.LROQueued + b.LROQueued,
		LROFlushed: a.LROFlushed + b.LROFlushed,
		LROEvicted: a.LROEvicted + b.LROEvicted,
		WQEErr:     a.WQEErr + b.WQEErr,
		CsumNone:   a.CsumNone + b.CsumNone,
		NoMemory:   a.NoMemory + b.NoMemory,
		DMAErr:     a.DMAErr + b.DMAErr,
		Posted:     a.Posted + b.Posted,
		Polls:      a.Polls + b.Polls,
	}
}

func subDevice(a, b nicsim.Counters) nicsim.Counters {
	return nicsim.Counters{
		Received:     a.Received - b.Received,
		NoDescriptor: a.NoDescriptor - b.NoDescriptor,
		CQFull:       a.CQFull - b.CQFull,
		DMAFaults:    a.DMAFaults - b.DMAFaults,
		Truncated:    a.Truncated - b.Truncated,
		InboxDrops:   a.InboxDrops - b.InboxDrops,
		Interrupts:   a.Interrupts - b.Interrupts,
	}
}

func addDevice(a, b nicsim.Counters) nicsim.Counters {
	return nicsim.Counters{
		Received:     a.Received + b.Received,
		NoDescriptor: a.NoDescriptor + b.NoDescriptor,
		CQFull:       a.CQFull + b.CQFull,
		DMAFaults:    a.DMAFaults + b.DMAFaults,
		Truncated:    a.Truncated + b.Truncated,
		InboxDrops:   a.InboxDrops + b.InboxDrops,
		Interrupts:   a.Interrupts + b.Interrupts,
	}
}

// Print writes s sorted by queue name. When interval is non-zero the
// packet and byte counts are also shown as rates over it.
func Print(w io.Writer, s Stats, interval time.Duration) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		q := s[name]
		if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
			return err
		}
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			q.RX.Packets, humanize.Bytes(q.RX.Bytes), humanize.Comma(int64(q.RX.Bytes)),
		)
		if interval > 0 {
			sec := interval.Seconds()
			fmt.Fprintf(w, "  RATE %-12s  ≈ %s/s\n",
				humanize.SI(float64(q.RX.Packets)/sec, "pps"),
				humanize.Bytes(uint64(float64(q.RX.Bytes)/sec)),
			)
		}
		fmt.Fprintf(w, "  LRO  queued %s  flushed %s  evicted %s\n",
			humanize.Comma(int64(q.RX.LROQueued)),
			humanize.Comma(int64(q.RX.LROFlushed)),
			humanize.Comma(int64(q.RX.LROEvicted)),
		)
		fmt.Fprintf(w, "  ERR  wqe %d  csum_none %d  no_mem %d  dma %d\n",
			q.RX.WQEErr, q.RX.CsumNone, q.RX.NoMemory, q.RX.DMAErr,
		)
		if q.Device != (nicsim.Counters{}) {
			fmt.Fprintf(w, "  DEV  recv %s  no_desc %d  cq_full %d  drops %d  irq %s\n",
				humanize.Comma(int64(q.Device.Received)),
				q.Device.NoDescriptor, q.Device.CQFull, q.Device.InboxDrops,
				humanize.Comma(int64(q.Device.Interrupts)),
			)
		}
	}
	return nil
}
