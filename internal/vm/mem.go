package vm

import (
	"errors"
	"fmt"
	"sort"
)

// mem.go implements the memory map: an interval map of plain-memory and MMIO
// regions. Loads and stores route through a sorted list of address ranges
// rather than a single flat array, since a Cortex-M address space is sparse.

var (
	// ErrMapConflict is returned when a new mapping would overlap an existing one.
	ErrMapConflict = errors.New("vm: region overlaps an existing mapping")
	// ErrUnmapped is returned when an access targets an address with no backing region.
	ErrUnmapped = errors.New("vm: unmapped address")
	// ErrInvalidPeripheralReg is returned for a reserved-range or bad peripheral placement.
	ErrInvalidPeripheralReg = errors.New("vm: invalid peripheral region")
)

const (
	scsBase = Address(0xE000E000)
	scsSize = uint32(0x1000)

	mmioRegionBase = Address(0x40000000)
	mmioRegionEnd  = Address(0x50000000)
)

type region struct {
	base Address
	size uint32
	mem  []byte     // nil if this region is a peripheral
	dev  Peripheral // nil if this region is plain memory
}

func (r region) end() Address { return r.base.Add(r.size) }

func (r region) contains(addr Address, length int) bool {
	return uint32(addr) >= uint32(r.base) && uint64(addr)+uint64(length) <= uint64(r.end())
}

// MemoryMap is a sorted collection of disjoint plain-memory and MMIO regions
// spanning the 32-bit address space. The System Control Space range
// [0xE000E000, 0xE000F000) is always reserved and never available via
// MapMem/MapMMIO: it is addressed through the SCS component directly.
type MemoryMap struct {
	regions []region
}

// NewMemoryMap creates an empty memory map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{}
}

func (m *MemoryMap) insert(r region) error {
	for _, existing := range m.regions {
		if uint32(r.base) < uint32(existing.end()) && uint32(existing.base) < uint32(r.end()) {
			return fmt.Errorf("%w: [%s,%s) overlaps [%s,%s)", ErrMapConflict, r.base, r.end(), existing.base, existing.end())
		}
	}

	if uint32(r.base) < uint32(scsBase)+scsSize && uint32(r.end()) > uint32(scsBase) {
		return fmt.Errorf("%w: [%s,%s) overlaps the reserved System Control Space", ErrInvalidPeripheralReg, r.base, r.end())
	}

	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })

	return nil
}

// MapMem reserves size bytes of plain read/write memory starting at base.
func (m *MemoryMap) MapMem(base Address, size uint32) error {
	return m.insert(region{base: base, size: size, mem: make([]byte, size)})
}

// MapMMIO installs a peripheral, which must lie entirely within the MMIO
// region [0x40000000, 0x50000000).
func (m *MemoryMap) MapMMIO(p Peripheral) error {
	base, size := p.Base(), p.Size()
	if uint32(base) < uint32(mmioRegionBase) || uint64(base)+uint64(size) > uint64(mmioRegionEnd) {
		return fmt.Errorf("%w: peripheral %q at [%s,%s) outside MMIO range [%s,%s)",
			ErrInvalidPeripheralReg, p.Name(), base, base.Add(size), mmioRegionBase, mmioRegionEnd)
	}

	return m.insert(region{base: base, size: size, dev: p})
}

func (m *MemoryMap) find(addr Address, length int) (*region, error) {
	i := sort.Search(len(m.regions), func(i int) bool { return uint32(m.regions[i].end()) > uint32(addr) })
	if i >= len(m.regions) || !m.regions[i].contains(addr, length) {
		return nil, fmt.Errorf("%w: %s length %d", ErrUnmapped, addr, length)
	}

	return &m.regions[i], nil
}

// LoadBytes reads length bytes at addr, dispatching to a peripheral's
// ReadBytes when addr falls within an MMIO region. Side effects a peripheral
// access raises are returned as Events ready for the backend's queue.
func (m *MemoryMap) LoadBytes(addr Address, length int) ([]byte, []Event, error) {
	r, err := m.find(addr, length)
	if err != nil {
		return nil, nil, err
	}

	offset := uint32(addr) - uint32(r.base)

	if r.dev != nil {
		dst := make([]byte, length)

		pevs, err := r.dev.ReadBytes(offset, dst)
		if err != nil {
			return nil, nil, err
		}

		return dst, peripheralEvents(r.dev, pevs), nil
	}

	out := make([]byte, length)
	copy(out, r.mem[offset:uint32(offset)+uint32(length)])

	return out, nil, nil
}

// StoreBytes writes src at addr, dispatching to a peripheral's WriteBytes
// when addr falls within an MMIO region.
func (m *MemoryMap) StoreBytes(addr Address, src []byte) ([]Event, error) {
	r, err := m.find(addr, len(src))
	if err != nil {
		return nil, err
	}

	offset := uint32(addr) - uint32(r.base)

	if r.dev != nil {
		pevs, err := r.dev.WriteBytes(offset, src)
		if err != nil {
			return nil, err
		}

		return peripheralEvents(r.dev, pevs), nil
	}

	copy(r.mem[offset:uint32(offset)+uint32(len(src))], src)

	return nil, nil
}

// ViewBytes returns a direct slice into plain memory without copying, for
// fetch paths that only ever read code out of non-MMIO regions. It errors if
// any byte of the range falls in an MMIO region or is unmapped.
func (m *MemoryMap) ViewBytes(addr Address, length int) ([]byte, error) {
	r, err := m.find(addr, length)
	if err != nil {
		return nil, err
	}

	if r.dev != nil {
		return nil, fmt.Errorf("vm: %s is memory-mapped I/O, cannot be viewed directly", addr)
	}

	offset := uint32(addr) - uint32(r.base)

	return r.mem[offset : uint32(offset)+uint32(length)], nil
}

// Tick advances every mapped peripheral by one step, collecting any Events raised.
func (m *MemoryMap) Tick() []Event {
	var events []Event

	for i := range m.regions {
		if m.regions[i].dev == nil {
			continue
		}

		events = append(events, peripheralEvents(m.regions[i].dev, m.regions[i].dev.Tick())...)
	}

	return events
}

// Image is a loadable firmware image: a set of (address, bytes) segments.
// It carries no entry point or stack pointer of its own; Reset reads both
// from the vector table once the image is loaded.
type Image struct {
	Segments []ImageSegment
}

// ImageSegment is one contiguous span of initialized memory.
type ImageSegment struct {
	Base Address
	Data []byte
}

// LoadImage copies every segment of img into the memory map. Segments must
// land entirely within previously mapped plain-memory regions.
func (m *MemoryMap) LoadImage(img Image) error {
	for _, seg := range img.Segments {
		if _, err := m.StoreBytes(seg.Base, seg.Data); err != nil {
			return fmt.Errorf("vm: loading image segment at %s: %w", seg.Base, err)
		}
	}

	return nil
}

func peripheralEvents(p Peripheral, pevs []PeripheralEvent) []Event {
	if len(pevs) == 0 {
		return nil
	}

	events := make([]Event, 0, len(pevs))

	for _, pe := range pevs {
		events = append(events, Event{Kind: EventPeripheral, Peripheral: p, PeripheralKind: pe.Kind, U32: pe.IRQNum})
	}

	return events
}
