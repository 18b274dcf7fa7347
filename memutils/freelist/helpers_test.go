package freelist_test

import (
	"testing"

	"github.com/eigenmath/eheap/memutils/freelist"
	"github.com/stretchr/testify/require"
)

type region struct {
	Offset int
	Size   int
	Free   bool
}

func regions(t *testing.T, heap *freelist.Allocator) []region {
	var out []region
	err := heap.VisitAllRegions(func(offset int, size int, free bool) error {
		out = append(out, region{Offset: offset, Size: size, Free: free})
		return nil
	})
	require.NoError(t, err)
	return out
}

func newHeap(t *testing.T, size int) *freelist.Allocator {
	heap := freelist.New(freelist.Options{})
	require.NoError(t, heap.Init(make([]byte, size)))
	return heap
}
