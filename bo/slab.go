package bo

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/memutils"
	"golang.org/x/exp/slog"
)

type slabKey struct {
	heap      device.Heap
	entrySize int
}

// slabGroup holds every slab of one heap and entry size
type slabGroup struct {
	key   slabKey
	slabs []*slab
	// pending holds released entries whose last GPU use may still be running
	pending []*BO
}

// slab is one real allocation split into fixed-size entries. The entries live in a single
// arena and the free list is a stack of arena indices.
type slab struct {
	id      int
	group   *slabGroup
	owner   *BO
	entries []BO
	free    []int
}

var _ memutils.Validatable = &slab{}

// slabEntryAlignment is the alignment every entry of a slab is guaranteed. Entries of a
// 3/4 power of two size are only aligned to a quarter of the next power of two.
func slabEntryAlignment(entrySize int) int {
	pot := memutils.NextPow2(entrySize)
	if pot != entrySize {
		return pot / 4
	}
	return entrySize
}

// slabEntrySize returns the smallest entry size that can hold size bytes at the requested
// alignment. It returns false when the request must bypass the slabs.
func (a *Allocator) slabEntrySize(size, alignment int) (int, bool) {
	size = max(size, 1<<a.minSlabOrder)
	order := memutils.Log2Ceil(size)
	if order > a.maxSlabOrder {
		return 0, false
	}

	pot := 1 << order
	entrySize := pot
	if threeFourths := pot / 4 * 3; size <= threeFourths {
		entrySize = threeFourths
	}

	if alignment > slabEntryAlignment(entrySize) {
		// Fall back to the power of two entry, whose alignment is its size
		if alignment > pot {
			return 0, false
		}
		entrySize = pot
	}

	return entrySize, true
}

func (a *Allocator) allocateSlabEntry(heap device.Heap, types []int, entrySize int) (*BO, common.VkResult, error) {
	key := slabKey{heap: heap, entrySize: entrySize}

	a.slabMutex.Lock()
	defer a.slabMutex.Unlock()

	group, ok := a.slabGroups.Get(key)
	if !ok {
		group = &slabGroup{key: key}
		a.slabGroups.Put(key, group)
	}
	group.reclaim(a.isIdle)

	for _, s := range group.slabs {
		if len(s.free) == 0 || !slices.Contains(types, s.owner.memoryTypeIndex) {
			continue
		}

		entry := s.take()
		a.memory.AddAllocation(entry.memoryTypeIndex, entry.size)
		return entry, core1_0.VKSuccess, nil
	}

	slabSize := max(a.slabSize, memutils.NextPow2(entrySize*4))
	owner, res, err := a.allocateReal(heap, types, slabSize, slabEntryAlignment(entrySize), nil)
	if err != nil {
		return nil, res, errors.Wrapf(err, "allocating a %d byte slab for %d byte entries", slabSize, entrySize)
	}
	owner.flags = CreateNoSuballoc | CreateNoCache

	s := a.newSlab(group, owner, entrySize)
	group.slabs = append(group.slabs, s)

	entry := s.take()
	a.memory.AddAllocation(entry.memoryTypeIndex, entry.size)
	return entry, res, nil
}

func (a *Allocator) newSlab(group *slabGroup, owner *BO, entrySize int) *slab {
	count := owner.size / entrySize

	a.nextSlabID++
	s := &slab{
		id:      a.nextSlabID,
		group:   group,
		owner:   owner,
		entries: make([]BO, count),
		free:    make([]int, count),
	}
	owner.real.slab = s

	for i := range s.entries {
		entry := &s.entries[i]
		entry.allocator = a
		entry.kind = KindSlab
		entry.heap = owner.heap
		entry.memoryTypeIndex = owner.memoryTypeIndex
		entry.size = entrySize
		entry.alignment = slabEntryAlignment(entrySize)
		entry.slab = &slabEntry{slab: s, index: i, offset: i * entrySize}

		// Lowest offsets are handed out first
		s.free[i] = count - 1 - i
	}

	return s
}

func (s *slab) take() *BO {
	last := len(s.free) - 1
	index := s.free[last]
	s.free = s.free[:last]

	entry := &s.entries[index]
	entry.refCount.Init()
	entry.usage.Unset()

	memutils.DebugValidate(s)
	return entry
}

func (s *slab) isEmpty() bool {
	return len(s.free) == len(s.entries)
}

func (s *slab) Validate() error {
	seen := make([]bool, len(s.entries))
	for _, index := range s.free {
		if index < 0 || index >= len(s.entries) {
			return errors.Newf("slab %d free list holds out of range entry %d", s.id, index)
		}
		if seen[index] {
			return errors.Newf("slab %d free list holds entry %d twice", s.id, index)
		}
		seen[index] = true
	}

	for i := range s.entries {
		entry := &s.entries[i]
		if entry.slab.offset+entry.size > s.owner.size {
			return errors.Newf("slab %d entry %d ends past the end of the slab", s.id, i)
		}
		if entry.slab.offset%entry.alignment != 0 {
			return errors.Newf("slab %d entry %d at offset %d is not aligned to %d", s.id, i, entry.slab.offset, entry.alignment)
		}
	}

	return nil
}

// reclaim returns pending entries to their slabs' free lists once they are idle. A nil
// isIdle reclaims everything.
func (g *slabGroup) reclaim(isIdle func(bo *BO) bool) {
	kept := g.pending[:0]
	for _, entry := range g.pending {
		if isIdle != nil && !isIdle(entry) {
			kept = append(kept, entry)
			continue
		}

		s := entry.slab.slab
		s.free = append(s.free, entry.slab.index)
	}

	for i := len(kept); i < len(g.pending); i++ {
		g.pending[i] = nil
	}
	g.pending = kept
}

func (a *Allocator) freeSlabEntry(bo *BO) {
	entry := bo.slab
	s := entry.slab
	if entry.index >= len(s.entries) || &s.entries[entry.index] != bo {
		panic("attempted to free a slab entry into a slab that does not own it")
	}

	if mapped := int(bo.mapCount.Swap(0)); mapped > 0 {
		s.owner.real.memory.Unmap(mapped)
	}

	a.slabMutex.Lock()
	defer a.slabMutex.Unlock()

	if a.isIdle(bo) {
		s.free = append(s.free, entry.index)
		memutils.DebugValidate(s)
		return
	}
	s.group.pending = append(s.group.pending, bo)
}

// releaseEmptySlabs unlinks every slab with no live entries and returns their
// allocations for freeing. When force is set, pending entries are treated as idle.
func (a *Allocator) releaseEmptySlabs(force bool) []*BO {
	isIdle := a.isIdle
	if force {
		isIdle = nil
	}

	a.slabMutex.Lock()
	defer a.slabMutex.Unlock()

	var owners []*BO
	a.slabGroups.Iter(func(key slabKey, group *slabGroup) bool {
		group.reclaim(isIdle)

		kept := group.slabs[:0]
		for _, s := range group.slabs {
			if s.isEmpty() {
				owners = append(owners, s.owner)
				continue
			}
			kept = append(kept, s)
		}
		for i := len(kept); i < len(group.slabs); i++ {
			group.slabs[i] = nil
		}
		group.slabs = kept

		return false
	})

	return owners
}

func (a *Allocator) logLeakedSlabs() int {
	a.slabMutex.Lock()
	defer a.slabMutex.Unlock()

	leaked := 0
	a.slabGroups.Iter(func(key slabKey, group *slabGroup) bool {
		for _, s := range group.slabs {
			free := make([]bool, len(s.entries))
			for _, index := range s.free {
				free[index] = true
			}

			for i := range s.entries {
				if free[i] {
					continue
				}

				leaked++
				a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased slab entry",
					slog.Int("slab", s.id),
					slog.Int("offset", s.entries[i].slab.offset),
					slog.Int("size", s.entries[i].size),
					slog.String("heap", key.heap.String()),
				)
			}
		}
		return false
	})

	return leaked
}
