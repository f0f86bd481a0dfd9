//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ringView locates the shared producer and consumer words and the
// descriptor array of a mapped ring.
func ringView[T any](region []byte, off unix.XDPRingOffset, size uint32) (prod, cons *uint32, descs []T) {
	base := unsafe.Pointer(&region[0])
	prod = (*uint32)(unsafe.Add(base, off.Producer))
	cons = (*uint32)(unsafe.Add(base, off.Consumer))
	descs = unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size)
	return prod, cons, descs
}

// rxRing is our consumer side of the kernel RX ring.
type rxRing struct {
	prod, cons *uint32
	descs      []unix.XDPDesc
	mask       uint32
	// Local copies of the shared indices; prod is reloaded lazily and
	// cons is published by release.
	seenProd, nextCons uint32
}

func makeRXRing(region []byte, off unix.XDPRingOffset, size uint32) *rxRing {
	q := &rxRing{mask: size - 1}
	q.prod, q.cons, q.descs = ringView[unix.XDPDesc](region, off, size)
	return q
}

// available returns the number of descriptors ready to consume.
func (q *rxRing) available() uint32 {
	if n := q.seenProd - q.nextCons; n != 0 {
		return n
	}
	q.seenProd = atomic.LoadUint32(q.prod)
	return q.seenProd - q.nextCons
}

func (q *rxRing) next() unix.XDPDesc {
	d := q.descs[q.nextCons&q.mask]
	q.nextCons++
	return d
}

func (q *rxRing) release() { atomic.StoreUint32(q.cons, q.nextCons) }

// fillRing is our producer side of the UMEM fill ring. The kernel's
// consumer index is never read: the socket owns exactly as many frames
// as the ring holds, so a put cannot overrun it.
type fillRing struct {
	prod  *uint32
	addrs []uint64
	mask  uint32
	head  uint32
}

func makeFillRing(region []byte, off unix.XDPRingOffset, size uint32) *fillRing {
	q := &fillRing{mask: size - 1}
	q.prod, _, q.addrs = ringView[uint64](region, off, size)
	q.head = atomic.LoadUint32(q.prod)
	return q
}

func (q *fillRing) put(addr uint64) {
	q.addrs[q.head&q.mask] = addr
	q.head++
}

func (q *fillRing) publish() { atomic.StoreUint32(q.prod, q.head) }

// sockopt issues a SOL_XDP option call for the struct options x/sys has
// no typed wrapper for.
func sockopt[T any](trap uintptr, fd, name int, v *T) error {
	size := uint32(unsafe.Sizeof(*v))
	arg := uintptr(size)
	if trap == unix.SYS_GETSOCKOPT {
		arg = uintptr(unsafe.Pointer(&size))
	}
	_, _, errno := unix.Syscall6(trap, uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(unsafe.Pointer(v)), arg, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func registerUMEM(fd int, reg unix.XDPUmemReg) error {
	return sockopt(unix.SYS_SETSOCKOPT, fd, unix.XDP_UMEM_REG, &reg)
}

func mmapOffsets(fd int) (off unix.XDPMmapOffsets, err error) {
	err = sockopt(unix.SYS_GETSOCKOPT, fd, unix.XDP_MMAP_OFFSETS, &off)
	return off, err
}

func mmapRing(fd int, pgoff int64, off unix.XDPRingOffset, size uint32, descSize uintptr) ([]byte, error) {
	return unix.Mmap(fd, pgoff, int(off.Desc+uint64(size)*uint64(descSize)),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

/*---- Socket ----*/

// Socket is an RX-only AF_XDP socket.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool
	fd         int
	iface      *Interface

	umem     []byte
	rxRegion []byte
	fqRegion []byte
	rx       *rxRing
	fq       *fillRing

	// chunkMask clears the headroom offset the kernel may add to a
	// descriptor address.
	chunkMask  uint64
	registered bool
}

// Open creates an AF_XDP socket on conf.QueueID, fills its fill ring and
// registers it with the redirect program.
func (i *Interface) Open(conf SocketConfig) (_ *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s := &Socket{
		conf:      conf,
		fd:        fd,
		iface:     i,
		chunkMask: ^uint64(conf.FrameSize - 1),
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, s.Close())
		}
	}()

	s.umem, err = unix.Mmap(-1, 0, int(conf.NumFrames)*int(conf.FrameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}

	if err := registerUMEM(fd, unix.XDPUmemReg{
		Addr: uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:  uint64(len(s.umem)),
		Size: conf.FrameSize,
	}); err != nil {
		return nil, fmt.Errorf("registering UMEM: %w", err)
	}
	// bind fails without a completion ring even though nothing is sent.
	for _, r := range []struct {
		opt  int
		size uint32
	}{
		{unix.XDP_UMEM_FILL_RING, conf.FillSize},
		{unix.XDP_UMEM_COMPLETION_RING, completionSize},
		{unix.XDP_RX_RING, conf.RxSize},
	} {
		if err := unix.SetsockoptInt(fd, unix.SOL_XDP, r.opt, int(r.size)); err != nil {
			return nil, fmt.Errorf("sizing ring %d: %w", r.opt, err)
		}
	}

	off, err := mmapOffsets(fd)
	if err != nil {
		return nil, fmt.Errorf("reading ring offsets: %w", err)
	}
	if s.rxRegion, err = mmapRing(fd, unix.XDP_PGOFF_RX_RING,
		off.Rx, conf.RxSize, unsafe.Sizeof(unix.XDPDesc{})); err != nil {
		return nil, fmt.Errorf("mapping RX ring: %w", err)
	}
	if s.fqRegion, err = mmapRing(fd, unix.XDP_UMEM_PGOFF_FILL_RING,
		off.Fr, conf.FillSize, unsafe.Sizeof(uint64(0))); err != nil {
		return nil, fmt.Errorf("mapping fill ring: %w", err)
	}
	s.rx = makeRXRing(s.rxRegion, off.Rx, conf.RxSize)
	s.fq = makeFillRing(s.fqRegion, off.Fr, conf.FillSize)

	for n := range conf.FillSize {
		s.fq.put(uint64(n) * uint64(conf.FrameSize))
	}
	s.fq.publish()

	if s.isZerocopy, err = s.bind(i.index, i.preferZerocopy); err != nil {
		return nil, fmt.Errorf("binding to queue %d: %w", conf.QueueID, err)
	}

	if err := i.register(fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("registering XSK: %w", err)
	}
	s.registered = true

	i.log.WithFields(logrus.Fields{
		"queue":    conf.QueueID,
		"zerocopy": s.isZerocopy,
		"frames":   conf.NumFrames,
	}).Debug("socket open")
	return s, nil
}

// bind binds in zerocopy mode when preferred and the driver supports it,
// otherwise in copy mode. It reports the mode in effect.
func (s *Socket) bind(ifindex int, zerocopy bool) (bool, error) {
	sa := &unix.SockaddrXDP{
		Flags:   unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP,
		Ifindex: uint32(ifindex),
		QueueID: s.conf.QueueID,
	}
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
		err := unix.Bind(s.fd, sa)
		if !errors.Is(err, unix.EPROTONOSUPPORT) && !errors.Is(err, unix.EOPNOTSUPP) {
			return err == nil, err
		}
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}
	return false, unix.Bind(s.fd, sa)
}

// QueueID returns the queue the socket is bound to.
func (s *Socket) QueueID() uint32 { return s.conf.QueueID }

// IsZerocopy reports whether the socket operates in zero-copy mode. It
// may return false even if PreferZerocopy was set when the queue does not
// support XDP_ZEROCOPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// Receive fills buf with up to len(buf) frames from the RX ring and
// returns the filled prefix. Frames must be returned via Release or
// ReleaseBatch.
func (s *Socket) Receive(buf []Frame) []Frame {
	n := min(s.rx.available(), uint32(len(buf)))
	if n == 0 {
		return buf[:0]
	}
	for i := range n {
		d := s.rx.next()
		buf[i] = Frame{Buf: s.umem[d.Addr : d.Addr+uint64(d.Len)], Addr: d.Addr}
	}
	s.rx.release()
	return buf[:n]
}

// Release returns a received frame to the fill ring.
func (s *Socket) Release(f Frame) {
	s.fq.put(f.Addr & s.chunkMask)
	s.fq.publish()
}

// ReleaseBatch returns received frames to the fill ring.
func (s *Socket) ReleaseBatch(frames []Frame) {
	for _, f := range frames {
		s.fq.put(f.Addr & s.chunkMask)
	}
	s.fq.publish()
}

// Wait blocks until the socket becomes readable or the timeout expires.
// It returns a non-nil error only for system call failures.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Close unregisters the socket and releases the socket, rings and UMEM.
func (s *Socket) Close() error {
	var errs []error
	if s.registered {
		if err := s.iface.unregister(s.conf.QueueID); err != nil {
			errs = append(errs, fmt.Errorf("unregistering XSK: %w", err))
		}
		s.registered = false
	}
	if s.fd != 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = 0
	}
	for _, r := range []*[]byte{&s.rxRegion, &s.fqRegion, &s.umem} {
		if *r == nil {
			continue
		}
		if err := unix.Munmap(*r); err != nil {
			errs = append(errs, err)
		}
		*r = nil
	}
	s.rx, s.fq = nil, nil
	return errors.Join(errs...)
}
