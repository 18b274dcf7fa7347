// Package session embeds an arena allocator behind the boundary an evaluation engine sees: it
// acquires and releases the arena buffer, selects the allocation strategy, scopes allocations to
// evaluation runs, and reports on memory use.
package session

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/eigenmath/eheap/memutils"
	"github.com/eigenmath/eheap/memutils/dualarena"
	"github.com/eigenmath/eheap/memutils/freelist"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// NoAllocation is returned in place of an offset when nothing was allocated
const NoAllocation = freelist.NoAllocation

type allocationKind uint32

const (
	allocationHeap allocationKind = iota
	allocationPersistent
	allocationTemporary
)

var allocationKindMapping = map[allocationKind]string{
	allocationHeap:       "heap",
	allocationPersistent: "persistent",
	allocationTemporary:  "temporary",
}

func (k allocationKind) String() string {
	return allocationKindMapping[k]
}

type trackedAllocation struct {
	size int
	kind allocationKind
}

// arenaAllocator is the surface shared by both strategies
type arenaAllocator interface {
	memutils.Validatable
	AllocationCount() int
	AddStatistics(stats *memutils.Statistics)
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	BlockJsonData(json jwriter.ObjectState)
}

// Session owns one arena and the allocator managing it. Sessions are not safe for concurrent use.
type Session struct {
	logger   *slog.Logger
	strategy Strategy
	provider BufferProvider

	buffer []byte
	heap   *freelist.Allocator
	arena  *dualarena.Allocator

	tracking *swiss.Map[int, trackedAllocation]

	runs   int
	fault  error
	closed bool
}

// New acquires a buffer from the configured provider and builds the selected allocator over it
//
// logger - Receives run boundaries, aborted evaluations, corruption faults, and unreleased
// allocations reported by Close. Nil discards all records.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if _, ok := strategyMapping[options.Strategy]; !ok {
		return nil, errors.Newf("unknown allocation strategy %d", options.Strategy)
	}

	size := options.HeapSize
	if size == 0 {
		size = defaultHeapSize
	}

	provider := options.Provider
	if provider == nil {
		provider = HeapProvider{}
	}

	buffer, err := provider.Acquire(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire a %d byte arena buffer", size)
	}

	s := &Session{
		logger:   logger,
		strategy: options.Strategy,
		provider: provider,
		buffer:   buffer,
	}

	switch options.Strategy {
	case StrategyDualArena:
		s.arena, err = dualarena.New(buffer, dualarena.Options{Alignment: options.Alignment})
	default:
		s.heap = freelist.New(freelist.Options{Alignment: options.Alignment})
		err = s.heap.Init(buffer)
	}

	if err != nil {
		releaseErr := provider.Release(buffer)
		if releaseErr != nil {
			logger.Error("error attempting to release arena buffer after initialization failure", slog.Any("error", releaseErr))
		}
		return nil, err
	}

	if options.TrackAllocations {
		s.tracking = swiss.NewMap[int, trackedAllocation](64)
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Session::New",
		slog.String("Strategy", options.Strategy.String()),
		slog.Int("HeapSize", size),
		slog.Int("ArenaSize", s.Size()),
	)

	return s, nil
}

// Strategy returns the allocation strategy this session was created with
func (s *Session) Strategy() Strategy { return s.strategy }

// Size returns the number of bytes the allocator manages
func (s *Session) Size() int {
	if s.arena != nil {
		return s.arena.Size()
	}
	return s.heap.Size()
}

// Arena returns the aligned region of the buffer that offsets returned by this session index into.
// It returns nil once the session is closed.
func (s *Session) Arena() []byte {
	if s.closed {
		return nil
	}
	if s.arena != nil {
		return s.arena.Arena()
	}
	return s.heap.Arena()
}

// Fault returns the corruption error that halted this session, if any
func (s *Session) Fault() error { return s.fault }

func (s *Session) allocator() arenaAllocator {
	if s.arena != nil {
		return s.arena
	}
	return s.heap
}

func (s *Session) checkUsable() error {
	if s.closed {
		return ClosedError
	}
	return s.fault
}

// observe halts the session when err reports corruption
func (s *Session) observe(err error) error {
	if err != nil && s.fault == nil && errors.Is(err, memutils.CorruptionFault) {
		s.fault = err
		s.logger.LogAttrs(context.Background(), slog.LevelError, "Session halted by arena corruption",
			slog.String("Strategy", s.strategy.String()),
			slog.Any("error", err),
		)
	}
	return err
}

func (s *Session) track(offset, size int, kind allocationKind) {
	if s.tracking == nil || offset == NoAllocation {
		return
	}
	s.tracking.Put(offset, trackedAllocation{size: size, kind: kind})
}

func (s *Session) untrack(offset int) {
	if s.tracking == nil {
		return
	}
	s.tracking.Delete(offset)
}

func (s *Session) untrackKind(kind allocationKind) {
	if s.tracking == nil {
		return
	}

	var offsets []int
	s.tracking.Iter(func(offset int, alloc trackedAllocation) bool {
		if alloc.kind == kind {
			offsets = append(offsets, offset)
		}
		return false
	})

	for _, offset := range offsets {
		s.tracking.Delete(offset)
	}
}

// Alloc reserves size bytes for the current evaluation and returns their offset. Under
// StrategyDualArena the bytes come from the temporary segment and are discarded by the next Run.
// A size of zero returns NoAllocation with no error.
func (s *Session) Alloc(size int) (int, error) {
	if err := s.checkUsable(); err != nil {
		return NoAllocation, err
	}

	var offset int
	var err error
	kind := allocationHeap
	if s.arena != nil {
		kind = allocationTemporary
		offset, err = s.arena.AllocateTemporary(size)
	} else {
		offset, err = s.heap.Allocate(size)
	}

	if err != nil {
		return NoAllocation, s.observe(err)
	}

	s.track(offset, size, kind)
	return offset, nil
}

// AllocPersistent reserves size bytes that outlive the current evaluation. Under
// StrategyDualArena they come from the persistent segment and are only released by Reset; under
// StrategyFreeList every allocation persists until it is freed, so this is the same as Alloc.
func (s *Session) AllocPersistent(size int) (int, error) {
	if err := s.checkUsable(); err != nil {
		return NoAllocation, err
	}

	if s.arena == nil {
		return s.Alloc(size)
	}

	offset, err := s.arena.AllocatePersistent(size)
	if err != nil {
		return NoAllocation, s.observe(err)
	}

	s.track(offset, size, allocationPersistent)
	return offset, nil
}

// Free releases an allocation. Under StrategyDualArena the bytes are not reclaimed until the next
// Run or Reset, but the allocation is no longer reported by Close.
func (s *Session) Free(offset int) error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	if s.heap != nil {
		if err := s.heap.Free(offset); err != nil {
			return s.observe(err)
		}
	}

	s.untrack(offset)
	return nil
}

// Resize changes the size of an allocation and returns its possibly new offset. It is only
// supported by StrategyFreeList.
func (s *Session) Resize(offset, size int) (int, error) {
	if err := s.checkUsable(); err != nil {
		return NoAllocation, err
	}

	if s.heap == nil {
		return NoAllocation, errors.Wrapf(UnsupportedOperationError, "%s cannot resize allocations", s.strategy)
	}

	newOffset, err := s.heap.Resize(offset, size)
	if err != nil {
		return NoAllocation, s.observe(err)
	}

	s.untrack(offset)
	s.track(newOffset, size, allocationHeap)
	return newOffset, nil
}

// Bytes returns the first n bytes of the allocation at offset. The slice aliases the arena.
func (s *Session) Bytes(offset, n int) ([]byte, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}

	if s.arena != nil {
		return s.arena.Bytes(offset, n)
	}

	payload, err := s.heap.Payload(offset)
	if err != nil {
		return nil, s.observe(err)
	}

	if n < 0 || n > len(payload) {
		return nil, errors.Newf("cannot view %d bytes of the %d byte allocation at offset %d", n, len(payload), offset)
	}

	return payload[:n:n], nil
}

// Run executes one evaluation. Under StrategyDualArena every temporary allocation from the
// previous run is discarded first. If evaluate fails because the arena ran out of memory, the
// returned error matches EvaluationAborted and the session stays usable; if it fails because of
// arena corruption, the session halts until Reset.
func (s *Session) Run(evaluate func(s *Session) error) error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	s.runs++
	if s.arena != nil {
		s.arena.BeginRun()
		s.untrackKind(allocationTemporary)
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "Session::Run", slog.Int("Run", s.runs))

	err := evaluate(s)
	if err == nil {
		return nil
	}

	if errors.Is(err, memutils.CorruptionFault) {
		return s.observe(err)
	}

	if errors.Is(err, memutils.OutOfMemoryError) {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "Evaluation aborted: out of arena memory",
			slog.Int("Run", s.runs),
			slog.Any("error", err),
		)
		return errors.Mark(errors.Wrap(err, "evaluation aborted"), EvaluationAborted)
	}

	return err
}

// Reset discards every allocation and rebuilds the allocator over the same buffer. It also
// clears a corruption fault.
func (s *Session) Reset() error {
	if s.closed {
		return ClosedError
	}

	if s.arena != nil {
		s.arena.HardReset()
	} else if err := s.heap.Reset(); err != nil {
		return err
	}

	if s.tracking != nil {
		s.tracking.Clear()
	}
	s.fault = nil
	s.runs = 0

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "Session::Reset", slog.String("Strategy", s.strategy.String()))
	return nil
}

// Validate runs the allocator's full consistency check
func (s *Session) Validate() error {
	if s.closed {
		return ClosedError
	}
	return s.allocator().Validate()
}

// Close logs every tracked allocation that was never released, tears down the allocator, and
// returns the buffer to its provider. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.logUnreleasedMemory()

	if s.arena != nil {
		s.arena.Deinit()
	}

	buffer := s.buffer
	s.buffer = nil
	if err := s.provider.Release(buffer); err != nil {
		return errors.Wrap(err, "failed to release the arena buffer")
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "Session::Close", slog.Int("Runs", s.runs))
	return nil
}

func (s *Session) logUnreleasedMemory() {
	if s.tracking == nil || s.tracking.Count() == 0 {
		return
	}

	offsets := make([]int, 0, s.tracking.Count())
	s.tracking.Iter(func(offset int, _ trackedAllocation) bool {
		offsets = append(offsets, offset)
		return false
	})
	slices.Sort(offsets)

	for _, offset := range offsets {
		alloc, _ := s.tracking.Get(offset)
		s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased allocation",
			slog.Int("offset", offset),
			slog.Int("size", alloc.size),
			slog.String("kind", alloc.kind.String()),
		)
	}
}
