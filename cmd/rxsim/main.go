// Command rxsim runs receive queues against synthetic TCP traffic.
//
// Every queue has its own device model, buffer pool and IOMMU. A
// generator per queue sends segments of several flows to the device,
// the queue services it on interrupts and the delivered packets are
// checked for stream order.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/rxring-go/pkt"
	"github.com/romshark/rxring-go/rqstat"
	"github.com/romshark/rxring-go/simq"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig(os.Args[1:])
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	lvl, _ := logrus.ParseLevel(conf.LogLevel)
	log.SetLevel(lvl)

	var caps pkt.Caps
	if conf.Queue.RxCsum {
		caps |= pkt.CapRxCsum
	}
	if conf.Queue.LRO {
		caps |= pkt.CapLRO
	}
	iface := pkt.NewIface("sim0", caps)

	queues := make([]*simq.Queue, conf.Queues)
	checkers := make([]*checker, conf.Queues)
	sources := make([]rqstat.Source, conf.Queues)
	for i := range queues {
		checkers[i] = newChecker()
		queues[i], err = simq.New(simq.Config{
			Index:     i,
			Iface:     iface,
			Capacity:  conf.Queue.Capacity,
			CQSize:    conf.Queue.CQSize,
			WQESize:   conf.Queue.WQESize,
			Budget:    conf.Queue.Budget,
			LROSlots:  conf.Queue.LROSlots,
			PoolLimit: conf.Queue.PoolLimit,
			InboxSize: conf.Queue.InboxSize,
			Handler:   checkers[i].handle,
			Log:       logrus.NewEntry(log),
		})
		fatalIf(err, "creating queue %d", i)
		sources[i] = queues[i].Stat()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runCtx, stopQueues := context.WithCancel(context.Background())
	defer stopQueues()
	var running errgroup.Group
	for _, q := range queues {
		running.Go(func() error {
			if err := q.Run(runCtx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		printStats(runCtx, sources, conf.StatsInterval)
	}()

	start := time.Now()
	sent := make([]uint64, len(queues))
	gen, genCtx := errgroup.WithContext(ctx)
	for i, q := range queues {
		gen.Go(func() error {
			n, err := generate(genCtx, q.Device(), i, conf)
			sent[i] = n
			return err
		})
	}
	genErr := gen.Wait()
	if genErr != nil && !errors.Is(genErr, context.Canceled) {
		log.WithError(genErr).Error("generator failed")
	}

	// Queues drain what the generators sent before Run returns.
	stopQueues()
	fatalIf(running.Wait(), "running queues")
	elapsed := time.Since(start)
	<-statsDone

	var closeErrs []error
	for _, q := range queues {
		closeErrs = append(closeErrs, q.Close())
	}
	report(conf, rqstat.Snapshot(sources), checkers, sent, elapsed, errors.Join(closeErrs...))
}

func printStats(ctx context.Context, sources []rqstat.Source, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	last := rqstat.Snapshot(sources)
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			cur := rqstat.Snapshot(sources)
			_ = rqstat.Print(os.Stdout, cur.Since(last), now.Sub(lastTime))
			last, lastTime = cur, now
		}
	}
}

func report(
	conf *Config, final rqstat.Stats, checkers []*checker,
	sent []uint64, elapsed time.Duration, closeErr error,
) {
	total := final.Total()
	var generated uint64
	for _, n := range sent {
		generated += n
	}
	var c checker
	for _, ch := range checkers {
		c.packets += ch.packets
		c.aggregates += ch.aggregates
		c.segments += ch.segments
		c.payload += ch.payload
		c.outOfOrder += ch.outOfOrder
		c.malformed += ch.malformed
	}
	drops := total.Device.NoDescriptor + total.Device.CQFull + total.Device.DMAFaults
	sec := elapsed.Seconds()

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", sec)
	p.Printf(" Queues:            %d\n", conf.Queues)
	p.Printf(" Generated:         %d frames\n", generated)
	p.Printf(" Received:          %d frames (%d bytes)\n", total.RX.Packets, total.RX.Bytes)
	p.Printf(" Avg PPS:           %d\n", uint64(float64(total.RX.Packets)/sec))
	p.Printf(" Avg rate:          %.1f Mbps\n", float64(total.RX.Bytes*8)/1e6/sec)
	p.Printf(" Delivered:         %d packets, %d aggregates\n", c.packets, c.aggregates)
	if c.aggregates > 0 {
		p.Printf(" Segments/packet:   %.2f\n", float64(c.segments)/float64(c.packets))
	}
	p.Printf(" LRO:               queued %d flushed %d evicted %d\n",
		total.RX.LROQueued, total.RX.LROFlushed, total.RX.LROEvicted)
	p.Printf(" Payload:           %d bytes\n", c.payload)
	p.Printf(" Out of order:      %d\n", c.outOfOrder)
	p.Printf(" Malformed:         %d\n", c.malformed)
	p.Printf(" Errors:            wqe %d csum_none %d no_mem %d dma %d\n",
		total.RX.WQEErr, total.RX.CsumNone, total.RX.NoMemory, total.RX.DMAErr)
	p.Printf(" Interrupts:        %d\n", total.Device.Interrupts)
	if generated > 0 {
		p.Printf(" Dropped:           %d (%.4f%%)\n",
			drops, float64(drops)/float64(generated)*100)
	}
	if closeErr != nil {
		p.Printf(" Teardown:          %v\n", closeErr)
	}
}
