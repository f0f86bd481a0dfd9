// Package ring implements the host side of the receive work queue and
// completion queue shared with a DMA-capable device.
//
// Terminology:
//
//   - WQE: receive descriptor. The device reads it to find a landing buffer.
//   - CQE: completion record. The device writes it after filling a buffer.
//   - Doorbell record: a host memory cell the device polls to learn the
//     driver's producer (WQ) or consumer (CQ) index.
//
// All multi-byte fields of hardware-visible memory are big-endian.
package ring

import "encoding/binary"

const (
	// DescriptorSize is the size of one receive descriptor in bytes.
	DescriptorSize = 16
	// CQESize is the size of one completion record in bytes.
	CQESize = 64
)

// Descriptor field offsets.
const (
	descAddr      = 0
	descByteCount = 8
	descNextSlot  = 14
)

// CQE field offsets (mlx5 cqe64 layout).
const (
	cqeHdsIPExt   = 28
	cqeL4HdrType  = 29
	cqeVLANInfo   = 30
	cqeByteCnt    = 44
	cqeWQECounter = 60
	cqeOpOwn      = 63
)

// Opcodes carried in the high nibble of op_own.
const (
	OpReq         uint8 = 0x0
	OpRespWrImm   uint8 = 0x1
	OpRespSend    uint8 = 0x2
	OpRespSendImm uint8 = 0x3
	OpRespSendInv uint8 = 0x4
	OpReqErr      uint8 = 0xd
	OpRespErr     uint8 = 0xe
	OpInvalid     uint8 = 0xf
)

// Bits of hds_ip_ext.
const (
	CQEL2OK uint8 = 1 << 0
	CQEL3OK uint8 = 1 << 1
	CQEL4OK uint8 = 1 << 2

	CQEAllOK = CQEL2OK | CQEL3OK | CQEL4OK
)

const (
	ownerMask = 0x1
	vlanMask  = 0x1

	// cqeInitOpOwn marks a CQE as invalid and owned by hardware for the
	// first pass over the ring.
	cqeInitOpOwn = OpInvalid<<4 | ownerMask
)

// Descriptor is a view of one receive descriptor:
//
//	be64 addr; be32 byte_count; be16 _rsvd; be16 next_slot
type Descriptor []byte

func (d Descriptor) Addr() uint64          { return binary.BigEndian.Uint64(d[descAddr:]) }
func (d Descriptor) SetAddr(a uint64)      { binary.BigEndian.PutUint64(d[descAddr:], a) }
func (d Descriptor) ByteCount() uint32     { return binary.BigEndian.Uint32(d[descByteCount:]) }
func (d Descriptor) SetByteCount(n uint32) { binary.BigEndian.PutUint32(d[descByteCount:], n) }

// NextSlot returns the free-list link in native byte order.
func (d Descriptor) NextSlot() uint16 { return binary.BigEndian.Uint16(d[descNextSlot:]) }

// SetNextSlot stores the free-list link.
func (d Descriptor) SetNextSlot(s uint16) { binary.BigEndian.PutUint16(d[descNextSlot:], s) }

// CQE is a view of one 64-byte completion record.
type CQE []byte

func (c CQE) ByteCnt() uint32    { return binary.BigEndian.Uint32(c[cqeByteCnt:]) }
func (c CQE) WQECounter() uint16 { return binary.BigEndian.Uint16(c[cqeWQECounter:]) }
func (c CQE) OpOwn() uint8       { return c[cqeOpOwn] }
func (c CQE) Opcode() uint8      { return c[cqeOpOwn] >> 4 }
func (c CQE) Owner() uint8       { return c[cqeOpOwn] & ownerMask }
func (c CQE) HdsIPExt() uint8    { return c[cqeHdsIPExt] }
func (c CQE) VLANInfo() uint16   { return binary.BigEndian.Uint16(c[cqeVLANInfo:]) }
func (c CQE) HasVLAN() bool      { return c[cqeL4HdrType]&vlanMask != 0 }

// ChecksumOK reports whether the device validated L2, L3 and L4.
func (c CQE) ChecksumOK() bool { return c[cqeHdsIPExt]&CQEAllOK == CQEAllOK }

// Device-side setters.

func (c CQE) SetByteCnt(n uint32)    { binary.BigEndian.PutUint32(c[cqeByteCnt:], n) }
func (c CQE) SetWQECounter(s uint16) { binary.BigEndian.PutUint16(c[cqeWQECounter:], s) }
func (c CQE) SetHdsIPExt(v uint8)    { c[cqeHdsIPExt] = v }

// SetVLAN stores the tag and sets the VLAN-present bit.
func (c CQE) SetVLAN(tci uint16) {
	binary.BigEndian.PutUint16(c[cqeVLANInfo:], tci)
	c[cqeL4HdrType] |= vlanMask
}

// SetOpOwn must be the last store when the device publishes a CQE.
func (c CQE) SetOpOwn(opcode, owner uint8) { c[cqeOpOwn] = opcode<<4 | owner&ownerMask }

// Reset clears every field except op_own.
func (c CQE) Reset() { clear(c[:cqeOpOwn]) }
