// Package dualarena implements a dual-ended bump allocator over a fixed arena.
//
// Persistent allocations grow upward from the bottom of the arena and survive between runs.
// Temporary allocations grow downward from the top and are all discarded at once by BeginRun.
// The two segments share the gap between them; a request that does not fit in the gap fails
// without changing anything. Individual allocations are never freed.
package dualarena

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/eigenmath/eheap/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type Segment uint32

const (
	SegmentPersistent Segment = iota
	SegmentTemporary
)

var segmentMapping = map[Segment]string{
	SegmentPersistent: "SegmentPersistent",
	SegmentTemporary:  "SegmentTemporary",
}

func (s Segment) String() string {
	return segmentMapping[s]
}

const (
	// DefaultAlignment is the alignment used when Options.Alignment is left at zero
	DefaultAlignment uint = 4
	// NoAllocation is returned in place of an offset when nothing was allocated
	NoAllocation = -1
)

// Options configures an Allocator. The zero value is valid.
type Options struct {
	// Alignment is the power-of-two granularity every request is rounded up to. Zero selects
	// DefaultAlignment.
	Alignment uint
}

type segmentStats struct {
	count   int
	sizeMin int
	sizeMax int
}

func (s *segmentStats) clear() {
	s.count = 0
	s.sizeMin = 0
	s.sizeMax = 0
}

func (s *segmentStats) add(size int) {
	if s.count == 0 || size < s.sizeMin {
		s.sizeMin = size
	}
	if size > s.sizeMax {
		s.sizeMax = size
	}
	s.count++
}

// Allocator is a dual-ended bump allocator. It is not safe for concurrent use.
type Allocator struct {
	alignment uint

	buffer []byte
	arena  []byte

	// permTop is the first byte above the persistent segment
	permTop int
	// tmpTop is the lowest byte of the temporary segment
	tmpTop int

	minGap int
	runs   int

	persistent segmentStats
	temporary  segmentStats
}

var _ memutils.Validatable = &Allocator{}

// New builds an allocator over buffer. The start of the arena is rounded up to the alignment by
// real address and its length is truncated to a multiple of the alignment. The buffer is
// referenced, not copied.
func New(buffer []byte, options Options) (*Allocator, error) {
	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid arena alignment"), memutils.InitError)
	}

	if len(buffer) == 0 {
		return nil, errors.Wrap(memutils.InitError, "arena buffer is empty")
	}

	address := uintptr(unsafe.Pointer(unsafe.SliceData(buffer)))
	align := uintptr(alignment)
	padding := int((align - address%align) % align)
	if padding >= len(buffer) {
		return nil, errors.Wrapf(memutils.InitError, "arena buffer of %d bytes is too small to align to %d bytes", len(buffer), alignment)
	}

	size := memutils.AlignDown(len(buffer)-padding, alignment)
	if size == 0 {
		return nil, errors.Wrapf(memutils.InitError, "arena buffer of %d bytes holds no aligned space", len(buffer))
	}

	m := &Allocator{
		alignment: alignment,
		buffer:    buffer,
		arena:     buffer[padding : padding+size : padding+size],
	}
	m.HardReset()

	return m, nil
}

// Arena returns the aligned region of the buffer the allocator hands out. Returned offsets
// index into this slice.
func (m *Allocator) Arena() []byte { return m.arena }

func (m *Allocator) Alignment() uint { return m.alignment }

// Size returns the total number of bytes in the arena
func (m *Allocator) Size() int { return len(m.arena) }

// PermTop returns the offset of the first byte above the persistent segment
func (m *Allocator) PermTop() int { return m.permTop }

// TmpTop returns the offset of the lowest byte in the temporary segment
func (m *Allocator) TmpTop() int { return m.tmpTop }

// Gap returns the number of bytes still available to either segment
func (m *Allocator) Gap() int { return m.tmpTop - m.permTop }

// MinGap returns the smallest Gap seen since the last HardReset
func (m *Allocator) MinGap() int { return m.minGap }

// Runs returns how many times BeginRun has been called since the last HardReset
func (m *Allocator) Runs() int { return m.runs }

// AllocationCount returns the number of allocations currently held in either segment
func (m *Allocator) AllocationCount() int {
	return m.persistent.count + m.temporary.count
}

// SegmentAllocationCount returns the number of allocations currently held in one segment
func (m *Allocator) SegmentAllocationCount(segment Segment) int {
	if segment == SegmentTemporary {
		return m.temporary.count
	}
	return m.persistent.count
}

// AllocatePersistent reserves n bytes at the top of the persistent segment and returns their
// offset. Persistent allocations survive BeginRun and are only released by HardReset.
func (m *Allocator) AllocatePersistent(n int) (int, error) {
	return m.allocate(SegmentPersistent, n)
}

// AllocateTemporary reserves n bytes at the bottom of the temporary segment and returns their
// offset. Temporary allocations are released by the next BeginRun.
func (m *Allocator) AllocateTemporary(n int) (int, error) {
	return m.allocate(SegmentTemporary, n)
}

func (m *Allocator) allocate(segment Segment, n int) (int, error) {
	if m.arena == nil {
		return NoAllocation, errors.Wrap(memutils.InitError, "arena is not initialized")
	}

	if n < 0 {
		return NoAllocation, errors.Newf("allocation size must not be negative, got %d", n)
	}

	if n == 0 {
		return NoAllocation, nil
	}

	rounded, ok := memutils.CheckedAlignUp(n, m.alignment)
	if !ok || rounded > m.Gap() {
		return NoAllocation, errors.Wrapf(memutils.OutOfMemoryError, "%s is full: cannot allocate %d bytes with %d bytes between the segments", segment, n, m.Gap())
	}

	var offset int
	if segment == SegmentTemporary {
		m.tmpTop -= rounded
		offset = m.tmpTop
		m.temporary.add(rounded)
	} else {
		offset = m.permTop
		m.permTop += rounded
		m.persistent.add(rounded)
	}

	if gap := m.Gap(); gap < m.minGap {
		m.minGap = gap
	}

	memutils.DebugValidate(m)
	return offset, nil
}

// BeginRun discards every temporary allocation, leaving the persistent segment untouched
func (m *Allocator) BeginRun() {
	m.tmpTop = len(m.arena)
	m.temporary.clear()
	m.runs++
}

// HardReset discards every allocation in both segments and clears the gap watermark
func (m *Allocator) HardReset() {
	m.permTop = 0
	m.tmpTop = len(m.arena)
	m.minGap = len(m.arena)
	m.runs = 0
	m.persistent.clear()
	m.temporary.clear()
}

// Deinit drops the reference to the buffer. Later allocations fail with memutils.InitError.
func (m *Allocator) Deinit() {
	m.buffer = nil
	m.arena = nil
	m.HardReset()
}

// Bytes returns n bytes at offset, which must lie entirely within one live segment. The slice
// aliases the arena.
func (m *Allocator) Bytes(offset, n int) ([]byte, error) {
	if m.arena == nil {
		return nil, errors.Wrap(memutils.InitError, "arena is not initialized")
	}

	if offset < 0 || n < 0 {
		return nil, errors.Newf("invalid range of %d bytes at offset %d", n, offset)
	}

	end, ok := memutils.CheckedAdd(offset, n, len(m.arena))
	inPersistent := ok && end <= m.permTop
	inTemporary := ok && offset >= m.tmpTop
	if !inPersistent && !inTemporary {
		return nil, errors.Newf("range of %d bytes at offset %d does not lie within a live segment", n, offset)
	}

	return m.arena[offset:end:end], nil
}

func (m *Allocator) Validate() error {
	if m.arena == nil {
		return errors.Wrap(memutils.InitError, "arena is not initialized")
	}

	size := len(m.arena)
	if m.permTop < 0 || m.permTop > m.tmpTop || m.tmpTop > size {
		return errors.Wrapf(memutils.CorruptionFault, "segment tops are out of order: persistent top %d, temporary top %d, arena size %d", m.permTop, m.tmpTop, size)
	}

	if m.permTop%int(m.alignment) != 0 || m.tmpTop%int(m.alignment) != 0 {
		return errors.Wrapf(memutils.CorruptionFault, "segment tops %d and %d are not aligned to %d bytes", m.permTop, m.tmpTop, m.alignment)
	}

	if m.minGap > m.Gap() {
		return errors.Wrapf(memutils.CorruptionFault, "the gap watermark %d is above the current gap %d", m.minGap, m.Gap())
	}

	if m.persistent.count == 0 && m.permTop != 0 {
		return errors.Wrapf(memutils.CorruptionFault, "persistent segment holds %d bytes but no allocations", m.permTop)
	}

	if m.temporary.count == 0 && m.tmpTop != size {
		return errors.Wrapf(memutils.CorruptionFault, "temporary segment holds %d bytes but no allocations", size-m.tmpTop)
	}

	return nil
}

// AddStatistics sums this arena's allocation statistics into the provided memutils.Statistics
func (m *Allocator) AddStatistics(stats *memutils.Statistics) {
	stats.ArenaCount++
	stats.ArenaBytes += m.Size()
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.Size() - m.Gap()
}

// AddDetailedStatistics sums this arena's statistics into the provided memutils.DetailedStatistics.
// The gap is reported as the single free range.
func (m *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += m.Size()
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.Size() - m.Gap()

	for _, segment := range []*segmentStats{&m.persistent, &m.temporary} {
		if segment.count == 0 {
			continue
		}
		if segment.sizeMin < stats.AllocationSizeMin {
			stats.AllocationSizeMin = segment.sizeMin
		}
		if segment.sizeMax > stats.AllocationSizeMax {
			stats.AllocationSizeMax = segment.sizeMax
		}
	}

	if gap := m.Gap(); gap > 0 {
		stats.AddFreeRange(gap)
	}
}

// BlockJsonData populates a json object with information about this arena
func (m *Allocator) BlockJsonData(json jwriter.ObjectState) {
	json.Name("Strategy").String("DualArena")
	json.Name("TotalBytes").Int(m.Size())
	json.Name("PersistentBytes").Int(m.permTop)
	json.Name("TemporaryBytes").Int(m.Size() - m.tmpTop)
	json.Name("GapBytes").Int(m.Gap())
	json.Name("MinGapBytes").Int(m.minGap)
	json.Name("PersistentAllocations").Int(m.persistent.count)
	json.Name("TemporaryAllocations").Int(m.temporary.count)
	json.Name("Runs").Int(m.runs)
}
