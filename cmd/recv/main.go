//go:build linux

// Command recv runs one receive queue per RX queue of a real interface.
// Frames are taken from AF_XDP sockets and fed to the device model of
// each queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/rxring-go/afxdp"
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
	fIface := flag.String("i", "", "Interface")
	fZeroCopy := flag.Bool("z", false, "Use zerocopy")
	fNoLRO := flag.Bool("nolro", false, "Disable LRO")
	fBatch := flag.Uint("b", afxdp.DefaultBatchSize, "AF_XDP receive batch size")
	fLogLevel := flag.String("log", "info", "Log level")
	flag.Parse()

	if *fIface == "" {
		fmt.Fprint(os.Stderr, "missing -i interface\n")
		os.Exit(1)
	}
	lvl, err := logrus.ParseLevel(*fLogLevel)
	fatalIf(err, "parsing log level")
	log := logrus.New()
	log.SetLevel(lvl)

	iface, err := afxdp.MakeInterface(*fIface, afxdp.InterfaceConfig{
		PreferZerocopy: *fZeroCopy,
		Log:            logrus.NewEntry(log),
	})
	fatalIf(err, "initializing interface")
	defer iface.Close()

	queueIDs, err := iface.RXQueueIDs()
	fatalIf(err, "listing queue ids")
	if len(queueIDs) == 0 {
		fmt.Fprintf(os.Stderr, "no RX queues found for %s\n", *fIface)
		os.Exit(1)
	}

	caps := pkt.CapRxCsum | pkt.CapLRO
	if *fNoLRO {
		caps = pkt.CapRxCsum
	}
	host := pkt.NewIface(*fIface, caps)

	fmt.Fprintf(os.Stderr, "AF_XDP RX: iface=%s use_zerocopy=%t lro=%t queues=%v\n",
		*fIface, *fZeroCopy, !*fNoLRO, queueIDs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	queues := make([]*simq.Queue, len(queueIDs))
	sources := make([]rqstat.Source, len(queueIDs))
	pumped := make([]afxdp.PumpCounters, len(queueIDs))
	for i, qid := range queueIDs {
		queues[i], err = simq.New(simq.Config{
			Index: int(qid),
			Iface: host,
			Log:   logrus.NewEntry(log),
		})
		fatalIf(err, "creating queue %d", qid)
		sources[i] = queues[i].Stat()
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, qid := range queueIDs {
		q := queues[i]
		g.Go(func() error { return q.Run(gctx) })
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			sock, err := iface.Open(afxdp.SocketConfig{
				QueueID:   qid,
				BatchSize: uint32(*fBatch),
			})
			if err != nil {
				return fmt.Errorf("queue %d: %w", qid, err)
			}
			defer sock.Close()
			log.WithFields(logrus.Fields{
				"queue":    qid,
				"zerocopy": sock.IsZerocopy(),
			}).Info("socket open")
			return afxdp.Pump(gctx, sock, q.Device(), int(*fBatch), &pumped[i])
		})
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		last, lastTime := rqstat.Snapshot(sources), time.Now()
		for {
			select {
			case <-gctx.Done():
				return
			case now := <-t.C:
				cur := rqstat.Snapshot(sources)
				_ = rqstat.Print(os.Stdout, cur.Since(last), now.Sub(lastTime))
				last, lastTime = cur, now
			}
		}
	}()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("receive failed")
	}
	elapsed := time.Since(start).Seconds()

	var closeErrs []error
	for _, q := range queues {
		closeErrs = append(closeErrs, q.Close())
	}

	var frames, bytes, dropped uint64
	for i := range pumped {
		frames += pumped[i].Frames.Load()
		bytes += pumped[i].Bytes.Load()
		dropped += pumped[i].Dropped.Load()
	}
	total := rqstat.Snapshot(sources).Total()

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" AF_XDP:            %d frames (%d bytes), %d dropped at inbox\n", frames, bytes, dropped)
	p.Printf(" Received:          %d frames\n", total.RX.Packets)
	p.Printf(" Avg PPS:           %d\n", uint64(float64(total.RX.Packets)/elapsed))
	p.Printf(" Avg rate:          %.1f Mbps\n", float64(total.RX.Bytes*8)/1e6/elapsed)
	p.Printf(" LRO:               queued %d flushed %d evicted %d\n",
		total.RX.LROQueued, total.RX.LROFlushed, total.RX.LROEvicted)
	p.Printf(" Delivered direct:  %d\n", total.RX.Delivered)
	p.Printf(" Device drops:      %d no descriptor, %d cq full\n",
		total.Device.NoDescriptor, total.Device.CQFull)
	if err := errors.Join(closeErrs...); err != nil {
		p.Printf(" Teardown:          %v\n", err)
	}
}
