package virtdev

import (
	"encoding/binary"
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
)

// FwCfgSelector names the fixed QEMU fw_cfg selector values this device
// understands; selectors 0x20-0x7fff additionally address dynamically
// registered files, which is why this isn't a closed enum.
const (
	FwCfgSignature     uint16 = 0x00
	FwCfgID            uint16 = 0x01
	FwCfgNbCPUs        uint16 = 0x05
	FwCfgKernelAddr    uint16 = 0x07
	FwCfgKernelSize    uint16 = 0x08
	FwCfgKernelCmdline uint16 = 0x09
	FwCfgInitrdAddr    uint16 = 0x0a
	FwCfgInitrdSize    uint16 = 0x0b
	FwCfgSetupAddr     uint16 = 0x16
	FwCfgSetupSize     uint16 = 0x17
	FwCfgFileDir       uint16 = 0x19
	fwCfgFileFirst     uint16 = 0x20
	fwCfgFileLast      uint16 = 0x7fff
)

const fwCfgMaxFileName = 55

// fwCfgFile is the on-the-wire FWCfgFile struct QEMU's FILE_DIR item packs:
// 64 bytes per entry (4-byte size, 2-byte selector, 2 reserved bytes, and a
// 56-byte NUL-padded name), big-endian size/selector.
type fwCfgFile struct {
	size uint32
	sel  uint16
	name [fwCfgMaxFileName + 1]byte
}

func (f fwCfgFile) marshal() []byte {
	out := make([]byte, 4+2+2+len(f.name))
	binary.BigEndian.PutUint32(out[0:4], f.size)
	binary.BigEndian.PutUint16(out[4:6], f.sel)
	copy(out[8:], f.name[:])

	return out
}

// DmaControlFlags are the control bits of the 32-bit DMA-access control
// word, matching original_source/mythril/src/virtdev/qemu_fw_cfg.rs's
// DmaControlFlags.
type DmaControlFlags uint16

const (
	dmaError  DmaControlFlags = 1 << 0
	dmaRead   DmaControlFlags = 1 << 1
	dmaSkip   DmaControlFlags = 1 << 2
	dmaSelect DmaControlFlags = 1 << 3
	dmaWrite  DmaControlFlags = 1 << 4
)

const rawDmaAccessSize = 4 + 4 + 8 // be_control, be_length, be_address

// QemuFwCfgBuilder accumulates selector->data entries and named files
// before producing an immutable QemuFwCfg, matching the Rust original's
// builder/build split (build-time mutation, runtime read-only except for
// DMA bookkeeping).
type QemuFwCfgBuilder struct {
	data     map[uint16][]byte
	fileInfo []fwCfgFile
}

// NewQemuFwCfgBuilder seeds the signature and version entries every real
// QEMU fw_cfg device exposes.
func NewQemuFwCfgBuilder() *QemuFwCfgBuilder {
	b := &QemuFwCfgBuilder{data: make(map[uint16][]byte)}
	b.AddI32(FwCfgSignature, 0x554d4551) // "QEMU"
	b.AddI32(FwCfgID, 0b11)

	return b
}

// AddI32 stores a little-endian 32-bit scalar at selector.
func (b *QemuFwCfgBuilder) AddI32(selector uint16, v int32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	b.data[selector] = buf
}

// AddBytes stores arbitrary bytes at selector verbatim.
func (b *QemuFwCfgBuilder) AddBytes(selector uint16, data []byte) {
	b.data[selector] = append([]byte(nil), data...)
}

func (b *QemuFwCfgBuilder) nextFileSelector() uint16 {
	max := fwCfgFileFirst - 1
	for sel := range b.data {
		if sel >= fwCfgFileFirst && sel <= fwCfgFileLast && sel > max {
			max = sel
		}
	}

	return max + 1
}

// AddFile registers a named file the guest can discover via FILE_DIR and
// read back by selector, the mechanism SeaBIOS/the Linux kernel use for
// "opt/..." fw_cfg entries.
func (b *QemuFwCfgBuilder) AddFile(name string, data []byte) error {
	if len(name) > fwCfgMaxFileName {
		return fmt.Errorf("%w: qemu_fw_cfg: file name too long: %s", errs.ErrInvalidValue, name)
	}

	selector := b.nextFileSelector()
	if selector > fwCfgFileLast {
		return fmt.Errorf("%w: qemu_fw_cfg: too many files", errs.ErrInvalidValue)
	}

	var info fwCfgFile
	info.size = uint32(len(data))
	info.sel = selector
	copy(info.name[:], name)

	b.fileInfo = append(b.fileInfo, info)
	b.data[selector] = append([]byte(nil), data...)

	return nil
}

// Build finalizes the FILE_DIR directory blob and returns a ready device.
func (b *QemuFwCfgBuilder) Build() *QemuFwCfg {
	dir := make([]byte, 4)
	binary.BigEndian.PutUint32(dir, uint32(len(b.fileInfo)))

	for _, f := range b.fileInfo {
		dir = append(dir, f.marshal()...)
	}

	b.data[FwCfgFileDir] = dir

	return &QemuFwCfg{selector: FwCfgSignature, data: b.data}
}

// QemuFwCfg ports (C6) and the DMA window (C6 supplement) it answers.
const (
	fwCfgPortSel     Port = 0x510
	fwCfgPortData    Port = 0x511
	fwCfgPortDMAHigh Port = 0x514
	fwCfgPortDMALow  Port = 0x518
)

// QemuFwCfg is the firmware-configuration device SeaBIOS and Linux's direct
// boot protocol both use to discover the kernel, initrd, command line, and
// CPU/memory topology a host hands the guest, grounded on
// original_source/mythril/src/virtdev/qemu_fw_cfg.rs including its 16-byte
// big-endian DMA transfer protocol.
type QemuFwCfg struct {
	data     map[uint16][]byte
	selector uint16
	dataIdx  int
	dmaAddr  uint64
}

// Services implements EmulatedDevice.
func (q *QemuFwCfg) Services() []DeviceRegion {
	return []DeviceRegion{
		PortIoRegion(fwCfgPortSel, fwCfgPortData),
		PortIoRegion(fwCfgPortDMAHigh, fwCfgPortDMALow),
	}
}

// OnEvent implements EmulatedDevice.
func (q *QemuFwCfg) OnEvent(ev Event) error {
	switch e := ev.Kind.(type) {
	case PortRead:
		return q.onPortRead(e.Port, e.Req)
	case PortWrite:
		return q.onPortWrite(ev, e.Port, e.Req)
	}

	return nil
}

func (q *QemuFwCfg) readSelector(length int) ([]byte, bool) {
	data, ok := q.data[q.selector]
	if !ok || q.dataIdx+length > len(data) {
		return nil, false
	}

	slice := data[q.dataIdx : q.dataIdx+length]
	q.dataIdx += length

	return slice, true
}

func (q *QemuFwCfg) onPortRead(port Port, val *PortReadRequest) error {
	switch port {
	case fwCfgPortSel:
		val.CopyFromU32(uint32(q.selector))
	case fwCfgPortData:
		if data, ok := q.readSelector(val.Len()); ok {
			copy(val.buf, data)
		} else {
			val.CopyFromU32(0)
		}
	case fwCfgPortDMALow:
		val.CopyFromU32(0x20434647) // " CFG"
	case fwCfgPortDMAHigh:
		val.CopyFromU32(0x51454d55) // "QEMU"
	}

	return nil
}

func (q *QemuFwCfg) onPortWrite(ev Event, port Port, val PortWriteRequest) error {
	switch port {
	case fwCfgPortSel:
		q.selector = uint16(val.AsU32())
		q.dataIdx = 0
	case fwCfgPortData:
		return fmt.Errorf("%w: write to qemu_fw_cfg data port", errs.ErrNotImplemented)
	case fwCfgPortDMALow:
		low := val.AsU32()
		q.dmaAddr |= uint64(low)

		if err := q.performDMATransfer(ev.Space); err != nil {
			return err
		}

		q.dmaAddr = 0
	case fwCfgPortDMAHigh:
		high := val.AsU32()
		q.dmaAddr = uint64(high) << 32
	}

	return nil
}

// performDMATransfer implements the 16-byte control/length/address
// big-endian DMA protocol: the guest writes the low dword of the request's
// own guest-physical address to fwCfgPortDMALow (after having written the
// high dword to fwCfgPortDMAHigh), which triggers this device to read the
// request struct, act on SELECT/SKIP/READ, and write the (possibly
// ERROR-flagged) result back to the same address.
func (q *QemuFwCfg) performDMATransfer(space *memory.GuestAddressSpaceView) error {
	addr := memory.NewGuestVirtAddr(q.dmaAddr, false)

	raw, err := space.ReadBytes(addr, rawDmaAccessSize, memory.GuestAccess{Kind: memory.AccessRead})
	if err != nil {
		return err
	}

	control := DmaControlFlags(binary.BigEndian.Uint32(raw[0:4]))
	selector := uint16(binary.BigEndian.Uint32(raw[0:4]) >> 16)
	length := binary.BigEndian.Uint32(raw[4:8])
	address := binary.BigEndian.Uint64(raw[8:16])

	if control&dmaSelect != 0 {
		q.selector = selector
		q.dataIdx = 0
		control &^= dmaSelect
	}

	if control&dmaSkip != 0 {
		q.dataIdx = int(length)
		control &^= dmaSkip
	}

	if control&dmaRead != 0 {
		if data, ok := q.readSelector(int(length)); ok {
			dest := memory.NewGuestVirtAddr(address, false)
			if err := space.WriteBytes(dest, data, memory.GuestAccess{Kind: memory.AccessWrite}); err != nil {
				return err
			}
		} else {
			control = dmaError
		}

		control &^= dmaRead
	}

	if control&dmaWrite != 0 {
		control &^= dmaWrite
		control |= dmaError
	}

	result := make([]byte, rawDmaAccessSize)
	binary.BigEndian.PutUint32(result[0:4], uint32(control))
	binary.BigEndian.PutUint32(result[4:8], length)
	binary.BigEndian.PutUint64(result[8:16], address)

	return space.WriteBytes(addr, result, memory.GuestAccess{Kind: memory.AccessWrite})
}
