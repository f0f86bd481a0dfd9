// Package dma defines the mapping contract between host buffers and
// device bus addresses, and provides an IOMMU model for device emulation.
package dma

import "errors"

// Addr is a device-visible bus address.
type Addr uint64

// BadAddr is returned with an error by Map.
const BadAddr Addr = ^Addr(0)

// Direction of a mapping.
type Direction uint8

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	}
	return "unknown"
}

var (
	ErrMapFailed  = errors.New("dma mapping failed")
	ErrNotMapped  = errors.New("address not mapped")
	ErrOutOfRange = errors.New("access beyond mapping")
	ErrDirection  = errors.New("access against mapping direction")
)

// Mapper maps host memory for device access.
type Mapper interface {
	// Map makes buf addressable by the device.
	Map(buf []byte, dir Direction) (Addr, error)
	// Unmap releases a mapping of n bytes returned by Map.
	Unmap(addr Addr, n int, dir Direction)
	// MappingFailed reports whether addr is an error value.
	MappingFailed(addr Addr) bool
}
