package bo

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/memutils"
)

// SlabStatistics summarizes the slabs of one heap and entry size. Slabs count as blocks
// and live entries count as allocations.
type SlabStatistics struct {
	Heap      device.Heap
	EntrySize int
	memutils.DetailedStatistics
	// PendingEntries is the number of released entries waiting for their last GPU use
	PendingEntries int
}

// Statistics is a snapshot of everything the allocator holds
type Statistics struct {
	Budgets []device.Budget
	Slabs   []SlabStatistics

	CachedAllocations int
	CachedBytes       int
	CacheMaxBytes     int

	SparseBOs           int
	SparseBackings      int
	SparseBackedBytes   int
	SparseCommittedPage int
}

// CalculateStatistics fills stats with the allocator's current state
func (a *Allocator) CalculateStatistics(stats *Statistics) {
	stats.Budgets = make([]device.Budget, a.memory.MemoryHeapCount())
	a.memory.HeapBudgets(0, stats.Budgets)

	stats.Slabs = stats.Slabs[:0]
	a.slabMutex.Lock()
	a.slabGroups.Iter(func(key slabKey, group *slabGroup) bool {
		if len(group.slabs) == 0 {
			return false
		}

		slabStats := SlabStatistics{
			Heap:           key.heap,
			EntrySize:      key.entrySize,
			PendingEntries: len(group.pending),
		}
		slabStats.Clear()

		for _, s := range group.slabs {
			slabStats.AddBlock(s.owner.size)
			live := len(s.entries) - len(s.free)
			for i := 0; i < live; i++ {
				slabStats.AddAllocation(key.entrySize)
			}
			if len(s.free) > 0 {
				slabStats.AddUnusedRange(len(s.free) * key.entrySize)
			}
		}

		stats.Slabs = append(stats.Slabs, slabStats)
		return false
	})
	a.slabMutex.Unlock()

	stats.CachedAllocations, stats.CachedBytes = a.cache.Stats()
	stats.CacheMaxBytes = a.cache.MaxBytes()

	stats.SparseBOs = 0
	stats.SparseBackings = 0
	stats.SparseBackedBytes = 0
	stats.SparseCommittedPage = 0
	a.sparseMutex.Lock()
	a.sparseBOs.Iter(func(bo *BO, _ struct{}) bool {
		bo.sparse.mutex.Lock()
		defer bo.sparse.mutex.Unlock()

		stats.SparseBOs++
		stats.SparseBackings += len(bo.sparse.backings)
		stats.SparseBackedBytes += bo.sparse.backedPages * bo.sparse.pageSize
		stats.SparseCommittedPage += bo.sparse.pages.Count()
		return false
	})
	a.sparseMutex.Unlock()
}

// BuildStatsString returns a JSON document describing the allocator. When detailed is set,
// every slab is listed along with its free entry count.
func (a *Allocator) BuildStatsString(detailed bool) string {
	var stats Statistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	root := writer.Object()

	heaps := root.Name("Heaps").Array()
	for heapIndex, budget := range stats.Budgets {
		heapObj := heaps.Object()
		heapObj.Name("Index").Int(heapIndex)
		heapObj.Name("Size").Int(a.memory.MemoryHeapSize(heapIndex))
		heapObj.Name("BlockCount").Int(budget.Statistics.BlockCount)
		heapObj.Name("BlockBytes").Int(budget.Statistics.BlockBytes)
		heapObj.Name("AllocationCount").Int(budget.Statistics.AllocationCount)
		heapObj.Name("AllocationBytes").Int(budget.Statistics.AllocationBytes)
		heapObj.Name("Usage").Int(budget.Usage)
		heapObj.Name("Budget").Int(budget.Budget)
		heapObj.End()
	}
	heaps.End()

	slabs := root.Name("Slabs").Array()
	for _, slabStats := range stats.Slabs {
		slabObj := slabs.Object()
		slabObj.Name("Heap").String(slabStats.Heap.String())
		slabObj.Name("EntrySize").Int(slabStats.EntrySize)
		slabObj.Name("SlabCount").Int(slabStats.BlockCount)
		slabObj.Name("SlabBytes").Int(slabStats.BlockBytes)
		slabObj.Name("EntryCount").Int(slabStats.AllocationCount)
		slabObj.Name("PendingEntries").Int(slabStats.PendingEntries)
		slabObj.End()
	}
	slabs.End()

	if detailed {
		a.printDetailedSlabs(root.Name("SlabMap"))
	}

	cache := root.Name("Cache").Object()
	cache.Name("Count").Int(stats.CachedAllocations)
	cache.Name("Bytes").Int(stats.CachedBytes)
	cache.Name("MaxBytes").Int(stats.CacheMaxBytes)
	cache.End()

	sparse := root.Name("Sparse").Object()
	sparse.Name("Count").Int(stats.SparseBOs)
	sparse.Name("Backings").Int(stats.SparseBackings)
	sparse.Name("BackedBytes").Int(stats.SparseBackedBytes)
	sparse.Name("CommittedPages").Int(stats.SparseCommittedPage)
	sparse.End()

	root.End()
	return string(writer.Bytes())
}

func (a *Allocator) printDetailedSlabs(writer *jwriter.Writer) {
	a.slabMutex.Lock()
	defer a.slabMutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	a.slabGroups.Iter(func(key slabKey, group *slabGroup) bool {
		for _, s := range group.slabs {
			slabObj := objState.Name(strconv.Itoa(s.id)).Object()
			slabObj.Name("Heap").String(key.heap.String())
			slabObj.Name("MemoryType").Int(s.owner.memoryTypeIndex)
			slabObj.Name("Size").Int(s.owner.size)
			slabObj.Name("EntrySize").Int(key.entrySize)
			slabObj.Name("FreeEntries").Int(len(s.free))
			slabObj.Name("MapReferences").Int(s.owner.real.memory.References())
			slabObj.End()
		}
		return false
	})
}
