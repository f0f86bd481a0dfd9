package dma

import (
	"fmt"
	"slices"
	"sync"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift

	// DefaultBase is the first bus address handed out by an IOMMU.
	DefaultBase Addr = 0x1_0000_0000
)

// Op is a ledger entry kind.
type Op uint8

const (
	OpMap Op = iota + 1
	OpUnmap
)

func (o Op) String() string {
	switch o {
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	}
	return "unknown"
}

// Event is one entry of the map/unmap ledger.
type Event struct {
	Op   Op
	Addr Addr
	Len  int
	Dir  Direction
}

type mapping struct {
	base Addr
	buf  []byte
	dir  Direction
}

// IOMMUConfig configures an IOMMU.
type IOMMUConfig struct {
	// Base is the first bus address handed out. Defaults to DefaultBase.
	Base Addr
	// Record keeps a ledger of every map and unmap.
	Record bool
}

// IOMMU is a software translation table between bus addresses and host
// buffers. Every mapping gets its own page-aligned window followed by an
// unmapped guard page. Misuse by either side is recorded as a violation
// instead of panicking.
//
// IOMMU is safe for concurrent use.
type IOMMU struct {
	mu         sync.Mutex
	next       Addr
	pages      map[Addr]*mapping // keyed by page number
	live       int
	record     bool
	ledger     []Event
	violations []error
	failAfter  int // maps left before injected failures; -1 disables
}

// NewIOMMU returns an empty IOMMU.
func NewIOMMU(conf IOMMUConfig) *IOMMU {
	if conf.Base == 0 {
		conf.Base = DefaultBase
	}
	return &IOMMU{
		next:      conf.Base &^ (pageSize - 1),
		pages:     make(map[Addr]*mapping),
		record:    conf.Record,
		failAfter: -1,
	}
}

var _ Mapper = (*IOMMU)(nil)

// FailAfter makes every Map after the next n fail. Negative n disables
// failure injection.
func (m *IOMMU) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

// Map implements Mapper.
func (m *IOMMU) Map(buf []byte, dir Direction) (Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAfter == 0 {
		return BadAddr, ErrMapFailed
	}
	if m.failAfter > 0 {
		m.failAfter--
	}
	if len(buf) == 0 {
		return BadAddr, fmt.Errorf("%w: empty buffer", ErrMapFailed)
	}

	mp := &mapping{base: m.next, buf: buf, dir: dir}
	npages := (len(buf) + pageSize - 1) >> pageShift
	for i := range npages {
		m.pages[(mp.base>>pageShift)+Addr(i)] = mp
	}
	m.next += Addr(npages+1) << pageShift
	m.live++
	if m.record {
		m.ledger = append(m.ledger, Event{Op: OpMap, Addr: mp.base, Len: len(buf), Dir: dir})
	}
	return mp.base, nil
}

// Unmap implements Mapper.
func (m *IOMMU) Unmap(addr Addr, n int, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record {
		m.ledger = append(m.ledger, Event{Op: OpUnmap, Addr: addr, Len: n, Dir: dir})
	}
	mp := m.pages[addr>>pageShift]
	if mp == nil || mp.base != addr {
		m.violate(fmt.Errorf("unmap %#x: %w", uint64(addr), ErrNotMapped))
		return
	}
	if n != len(mp.buf) {
		m.violate(fmt.Errorf("unmap %#x: length %d, mapped %d", uint64(addr), n, len(mp.buf)))
	}
	if dir != mp.dir {
		m.violate(fmt.Errorf("unmap %#x: %w: %s, mapped %s", uint64(addr), ErrDirection, dir, mp.dir))
	}
	npages := (len(mp.buf) + pageSize - 1) >> pageShift
	for i := range npages {
		delete(m.pages, (addr>>pageShift)+Addr(i))
	}
	m.live--
}

// MappingFailed implements Mapper.
func (m *IOMMU) MappingFailed(addr Addr) bool { return addr == BadAddr }

// Write copies data to bus address addr on behalf of the device.
func (m *IOMMU) Write(addr Addr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.translate(addr, len(data), FromDevice)
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Read copies n bytes at bus address addr on behalf of the device.
func (m *IOMMU) Read(addr Addr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.translate(addr, n, ToDevice)
	if err != nil {
		return nil, err
	}
	return slices.Clone(b), nil
}

func (m *IOMMU) translate(addr Addr, n int, want Direction) ([]byte, error) {
	mp := m.pages[addr>>pageShift]
	if mp == nil {
		return nil, fmt.Errorf("%#x: %w", uint64(addr), ErrNotMapped)
	}
	if mp.dir != Bidirectional && mp.dir != want {
		return nil, fmt.Errorf("%#x: %w", uint64(addr), ErrDirection)
	}
	off := int(addr - mp.base)
	if off+n > len(mp.buf) {
		return nil, fmt.Errorf("%#x+%d: %w (mapping is %d bytes)",
			uint64(addr), n, ErrOutOfRange, len(mp.buf))
	}
	return mp.buf[off : off+n], nil
}

func (m *IOMMU) violate(err error) { m.violations = append(m.violations, err) }

// Live returns the number of active mappings.
func (m *IOMMU) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Ledger returns a copy of the recorded map/unmap events.
func (m *IOMMU) Ledger() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ledger)
}

// Violations returns the misuse recorded so far.
func (m *IOMMU) Violations() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.violations)
}
