//go:build linux

// Package afxdp receives frames from a kernel interface through AF_XDP
// sockets so they can be fed to a software receive queue device.
//
// Interface owns the XDP redirect program and the XSKMAP it redirects
// through. Socket is an RX-only AF_XDP socket bound to one queue.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: frames delivered from the NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to the kernel for RX.
//   - CQ ring: required by the kernel for every UMEM; unused without TX.
package afxdp

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

var (
	ErrNoQueues          = errors.New("interface has no rx queues")
	ErrQueueOutOfRange   = errors.New("queue id out of range")
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= FillSize")
	ErrRingSize          = errors.New("ring and frame sizes must be powers of two")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRxSize    = 2048
	DefaultFillSize  = DefaultRxSize
	DefaultBatchSize = 64

	// completionSize is the smallest completion ring the kernel accepts.
	completionSize = 1

	// xdpPass is returned by the redirect program when no socket is
	// registered for the receiving queue.
	xdpPass = 2

	// rxQueueIndexOff is offsetof(struct xdp_md, rx_queue_index).
	rxQueueIndexOff = 16
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool
	// Queues bounds the XSKMAP. Defaults to the link's RX queue count.
	Queues uint32
	Log    *logrus.Entry
}

func (c *InterfaceConfig) ValidateAndSetDefaults(numRxQueues int) error {
	if c.Queues == 0 {
		c.Queues = uint32(numRxQueues)
	}
	if c.Queues == 0 {
		return ErrNoQueues
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// SocketConfig configures an RX-only socket.
type SocketConfig struct {
	// QueueID identifies the NIC RX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// BatchSize bounds how many frames Pump takes per Receive.
	BatchSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxSize
	}
	if c.FillSize == 0 {
		c.FillSize = DefaultFillSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	for _, n := range []uint32{c.FrameSize, c.RxSize, c.FillSize} {
		if n&(n-1) != 0 {
			return fmt.Errorf("%w: %d", ErrRingSize, n)
		}
	}
	if c.NumFrames < c.FillSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// Interface represents a NIC with an XDP program attached for AF_XDP use.
type Interface struct {
	name           string
	index          int
	numRxQueues    int
	preferZerocopy bool
	log            *logrus.Entry

	xsks *ebpf.Map
	prog *ebpf.Program
	link link.Link
}

// MakeInterface looks the link up, builds the redirect program and
// attaches it. The program is attached once per Interface.
func MakeInterface(name string, conf InterfaceConfig) (*Interface, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up link %q: %w", name, err)
	}
	attrs := l.Attrs()
	if err := conf.ValidateAndSetDefaults(attrs.NumRxQueues); err != nil {
		return nil, fmt.Errorf("link %q: %w", name, err)
	}

	i := &Interface{
		name:           name,
		index:          attrs.Index,
		numRxQueues:    attrs.NumRxQueues,
		preferZerocopy: conf.PreferZerocopy,
		log:            conf.Log.WithField("iface", name),
	}

	i.xsks, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: conf.Queues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks map: %w", err)
	}

	i.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: redirectProgram(i.xsks.FD()),
	})
	if err != nil {
		i.Close()
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{
		Program:   i.prog,
		Interface: i.index,
	}
	if conf.PreferZerocopy {
		// Zerocopy needs driver-mode XDP.
		opts.Flags = link.XDPDriverMode
	}
	if i.link, err = link.AttachXDP(opts); err != nil {
		i.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}

	i.log.WithFields(logrus.Fields{
		"index":    i.index,
		"queues":   attrs.NumRxQueues,
		"zerocopy": conf.PreferZerocopy,
	}).Info("xdp program attached")
	return i, nil
}

// redirectProgram returns
//
//	return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
//
// Frames of queues without a registered socket go to the kernel stack.
func redirectProgram(xsksFD int) asm.Instructions {
	return asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, rxQueueIndexOff, asm.Word),
		asm.LoadMapPtr(asm.R1, xsksFD),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

// RXQueueIDs returns the RX queue IDs of the interface in ascending order.
// It inspects /sys/class/net/<iface>/queues and falls back to the queue
// count reported by netlink.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.name + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		if i.numRxQueues == 0 {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		for q := range i.numRxQueues {
			ids = append(ids, uint32(q))
		}
		return ids, nil
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

func (i *Interface) register(fd int, queue uint32) error {
	if queue >= i.xsks.MaxEntries() {
		return fmt.Errorf("%w: %d", ErrQueueOutOfRange, queue)
	}
	return i.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (i *Interface) unregister(queue uint32) error {
	err := i.xsks.Delete(queue)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

// Close detaches the XDP program and frees the eBPF objects. Sockets
// must be closed first.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	if i.xsks != nil {
		if err := i.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks map: %w", err))
		}
		i.xsks = nil
	}
	return errors.Join(errs...)
}
