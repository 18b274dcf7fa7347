package freelist

import "encoding/binary"

// Block header layout, little endian:
//
//	[0:4]  offset of the next free block (free blocks only)
//	[4:8]  total block size including the header; the high bit is set while the block is in use
//
// The header is padded out to the allocator alignment, so payloads start aligned.
const (
	headerFieldSize = 4
	headerRawSize   = 2 * headerFieldSize

	usedMask uint32 = 1 << 31
	sizeMask uint32 = ^usedMask
)

// noBlock stands in for the head sentinel when a block has no predecessor in the free list
const noBlock = -1

func (m *Allocator) next(block int) int {
	return int(binary.LittleEndian.Uint32(m.arena[block:]))
}

func (m *Allocator) setNext(block, next int) {
	binary.LittleEndian.PutUint32(m.arena[block:], uint32(next))
}

func (m *Allocator) sizeWord(block int) uint32 {
	return binary.LittleEndian.Uint32(m.arena[block+headerFieldSize:])
}

func (m *Allocator) blockSize(block int) int {
	return int(m.sizeWord(block) & sizeMask)
}

func (m *Allocator) isUsed(block int) bool {
	return m.sizeWord(block)&usedMask != 0
}

func (m *Allocator) writeHeader(block, size int, used bool, next int) {
	word := uint32(size) & sizeMask
	if used {
		word |= usedMask
	}
	binary.LittleEndian.PutUint32(m.arena[block+headerFieldSize:], word)
	m.setNext(block, next)
}

// setSize changes a block's size without touching its used flag
func (m *Allocator) setSize(block, size int) {
	word := m.sizeWord(block)&usedMask | uint32(size)&sizeMask
	binary.LittleEndian.PutUint32(m.arena[block+headerFieldSize:], word)
}

func (m *Allocator) markFree(block int) {
	word := m.sizeWord(block) &^ usedMask
	binary.LittleEndian.PutUint32(m.arena[block+headerFieldSize:], word)
}

// link points the predecessor of a free-list position at next. A predecessor of noBlock
// means the head sentinel.
func (m *Allocator) link(prev, next int) {
	if prev == noBlock {
		m.head = next
		return
	}
	m.setNext(prev, next)
}
