package session

// Strategy selects which allocator a Session manages its arena with
type Strategy uint32

const (
	// StrategyFreeList manages the arena as a general-purpose heap: allocations are freed
	// individually and can be resized.
	StrategyFreeList Strategy = iota
	// StrategyDualArena manages the arena as a dual-ended bump allocator: persistent allocations
	// live until Reset and temporary allocations are discarded at the start of every Run.
	StrategyDualArena
)

var strategyMapping = map[Strategy]string{
	StrategyFreeList:  "StrategyFreeList",
	StrategyDualArena: "StrategyDualArena",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}

const (
	// defaultHeapSize is the arena size used when none is provided via CreateOptions. It is
	// equal to 350Kb.
	defaultHeapSize int = 350 * 1024
)

// CreateOptions contains optional settings when creating a Session
type CreateOptions struct {
	// Strategy selects the allocator. The zero value is StrategyFreeList.
	Strategy Strategy
	// HeapSize is the number of bytes requested from the Provider. Zero selects 350Kb.
	HeapSize int
	// Alignment is the power-of-two alignment of every allocation. Zero selects the
	// allocator's default of 4 bytes.
	Alignment uint
	// Provider supplies and reclaims the arena buffer. Nil selects HeapProvider.
	Provider BufferProvider
	// TrackAllocations records every live allocation so that Close can report the ones that
	// were never released
	TrackAllocations bool
}
