package bo

import (
	"context"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/internal/utils"
	"github.com/vkngwrapper/gallium/memutils"
	"golang.org/x/exp/slog"
)

const (
	DefaultMinSlabOrder   uint = 8
	DefaultMaxSlabOrder   uint = 20
	DefaultSlabSize            = 2 * 1024 * 1024
	DefaultCacheTimeout        = time.Second
	DefaultSparsePageSize      = 64 * 1024

	// realGranularity is the size granularity of real allocations, which lets released
	// allocations of similar size share a cache bucket
	realGranularity = 4096
)

// CreateOptions configures an Allocator
type CreateOptions struct {
	// Logger receives debug output and leak reports. A nil Logger discards.
	Logger *slog.Logger
	// ExternallySynchronized switches off every internal lock. The caller guarantees that
	// no two calls into the Allocator overlap.
	ExternallySynchronized bool
	// Tracker answers whether a BO's last GPU use has completed. Cached allocations and
	// freed slab entries are only reused once idle. A nil Tracker treats everything as idle.
	Tracker *fence.Tracker
	// MemoryCallbacks is notified of every real device allocation and free
	MemoryCallbacks device.MemoryCallbacks
	// HeapSizeLimits caps the bytes allocated from each device memory heap. Zero entries
	// are unlimited. Either empty or one entry per device heap.
	HeapSizeLimits []int

	// MinSlabOrder is log2 of the smallest slab entry. Zero uses DefaultMinSlabOrder.
	MinSlabOrder uint
	// MaxSlabOrder is log2 of the largest slab entry. Larger requests get their own
	// allocation. Zero uses DefaultMaxSlabOrder.
	MaxSlabOrder uint
	// SlabSize is the size of the device allocation each slab is carved from. It grows to
	// hold at least four entries. Zero uses DefaultSlabSize.
	SlabSize int

	// CacheTimeout is how long a released allocation waits in the reclaim cache before it
	// is freed. Zero uses DefaultCacheTimeout.
	CacheTimeout time.Duration
	// CacheMaxBytes bounds the bytes held in the reclaim cache. Zero uses an eighth of the
	// largest host-visible device heap, and a negative value disables the cache.
	CacheMaxBytes int

	// SparsePageSize is the page granularity of sparse BOs. Zero uses DefaultSparsePageSize.
	SparsePageSize int
}

// Request describes one allocation
type Request struct {
	Size      int
	Alignment int
	Heap      device.Heap
	Flags     CreateFlags
	// MemoryTypeBits restricts the memory types that may be used. Zero allows every type.
	MemoryTypeBits uint32
	// External imports or exports the allocation. External allocations are never
	// sub-allocated or cached.
	External *device.ExternalMemory
}

// Allocator hands out BOs: small requests are carved from slabs, larger ones are served
// from the reclaim cache or a new device allocation, and sparse BOs are backed page by
// page.
type Allocator struct {
	logger  *slog.Logger
	memory  *device.MemoryProperties
	tracker *fence.Tracker

	useMutex       bool
	minSlabOrder   uint
	maxSlabOrder   uint
	slabSize       int
	sparsePageSize int

	slabMutex  utils.OptionalMutex
	slabGroups *swiss.Map[slabKey, *slabGroup]
	nextSlabID int

	cache reclaimCache

	sparseMutex utils.OptionalMutex
	sparseBOs   *swiss.Map[*BO, struct{}]
}

func New(dev device.Device, options CreateOptions) (*Allocator, error) {
	useMutex := !options.ExternallySynchronized

	memory, err := device.NewMemoryProperties(useMutex, options.MemoryCallbacks, dev, options.HeapSizeLimits)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		logger:         utils.LoggerOrDiscard(options.Logger),
		memory:         memory,
		tracker:        options.Tracker,
		useMutex:       useMutex,
		minSlabOrder:   options.MinSlabOrder,
		maxSlabOrder:   options.MaxSlabOrder,
		slabSize:       options.SlabSize,
		sparsePageSize: options.SparsePageSize,
		slabMutex:      utils.OptionalMutex{UseMutex: useMutex},
		slabGroups:     swiss.NewMap[slabKey, *slabGroup](16),
		sparseMutex:    utils.OptionalMutex{UseMutex: useMutex},
		sparseBOs:      swiss.NewMap[*BO, struct{}](8),
	}

	if a.minSlabOrder == 0 {
		a.minSlabOrder = DefaultMinSlabOrder
	}
	if a.maxSlabOrder == 0 {
		a.maxSlabOrder = DefaultMaxSlabOrder
	}
	if a.minSlabOrder > a.maxSlabOrder {
		return nil, errors.Newf("min slab order %d is larger than max slab order %d", a.minSlabOrder, a.maxSlabOrder)
	}
	if a.slabSize == 0 {
		a.slabSize = DefaultSlabSize
	}
	err = memutils.CheckPow2(a.slabSize, "slab size")
	if err != nil {
		return nil, err
	}
	if a.sparsePageSize == 0 {
		a.sparsePageSize = DefaultSparsePageSize
	}
	err = memutils.CheckPow2(a.sparsePageSize, "sparse page size")
	if err != nil {
		return nil, err
	}

	cacheTimeout := options.CacheTimeout
	if cacheTimeout == 0 {
		cacheTimeout = DefaultCacheTimeout
	}
	cacheMaxBytes := options.CacheMaxBytes
	if cacheMaxBytes == 0 {
		cacheMaxBytes = a.defaultCacheBytes()
	}
	a.cache.Init(useMutex, cacheTimeout, cacheMaxBytes)

	return a, nil
}

func (a *Allocator) defaultCacheBytes() int {
	largest := 0
	for typeIndex := 0; typeIndex < a.memory.MemoryTypeCount(); typeIndex++ {
		if !a.memory.IsMemoryTypeHostVisible(typeIndex) {
			continue
		}
		heapIndex := a.memory.MemoryTypeIndexToHeapIndex(typeIndex)
		largest = max(largest, a.memory.MemoryHeapSize(heapIndex))
	}
	return largest / 8
}

// MemoryProperties returns the device memory bookkeeping the allocator draws from
func (a *Allocator) MemoryProperties() *device.MemoryProperties {
	return a.memory
}

func (a *Allocator) Tracker() *fence.Tracker {
	return a.tracker
}

// SparsePageSize is the commit granularity of sparse BOs
func (a *Allocator) SparsePageSize() int {
	return a.sparsePageSize
}

// MinSlabOrder is log2 of the smallest slab entry
func (a *Allocator) MinSlabOrder() uint {
	return a.minSlabOrder
}

// MaxSlabEntrySize is the largest request that can be sub-allocated from a slab
func (a *Allocator) MaxSlabEntrySize() int {
	return 1 << a.maxSlabOrder
}

func (a *Allocator) isIdle(bo *BO) bool {
	if a.tracker == nil {
		return true
	}
	return !bo.usage.IsBusy(a.tracker, fence.AccessRW)
}

// checkDeviceLost refuses new device work once the tracker has seen the device go away
func (a *Allocator) checkDeviceLost(format string, args ...interface{}) error {
	if a.tracker != nil && a.tracker.IsDeviceLost() {
		return errors.Wrapf(fence.ErrDeviceLost, format, args...)
	}
	return nil
}

func isOutOfMemory(res common.VkResult) bool {
	return res == core1_0.VKErrorOutOfDeviceMemory ||
		res == core1_0.VKErrorOutOfHostMemory ||
		res == core1_0.VKErrorTooManyObjects
}

// Create allocates a BO of at least size bytes aligned to alignment from heap. If device
// memory runs out, idle cached allocations and empty slabs are freed and the allocation is
// tried once more.
func (a *Allocator) Create(size, alignment int, heap device.Heap, flags CreateFlags) (*BO, error) {
	return a.CreateWithRequest(Request{
		Size:      size,
		Alignment: alignment,
		Heap:      heap,
		Flags:     flags,
	})
}

// CreateWithRequest is Create with the full set of placement options
func (a *Allocator) CreateWithRequest(req Request) (*BO, error) {
	a.logger.Debug("Allocator::Create")

	if req.Size <= 0 {
		return nil, errors.Newf("invalid allocation size %d", req.Size)
	}
	if req.Alignment <= 0 {
		req.Alignment = 1
	}
	err := memutils.CheckPow2(req.Alignment, "alignment")
	if err != nil {
		return nil, err
	}
	if req.External != nil {
		req.Flags |= CreateNoSuballoc | CreateNoCache
	}
	err = a.checkDeviceLost("allocating %d bytes from %s", req.Size, req.Heap)
	if err != nil {
		return nil, errors.Mark(err, ErrAllocationFailed)
	}

	bo, res, err := a.create(req)
	if err != nil && isOutOfMemory(res) {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "out of device memory, reclaiming and retrying",
			slog.Int("size", req.Size),
			slog.String("heap", req.Heap.String()),
		)
		a.Reclaim()
		bo, res, err = a.create(req)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "allocating %d bytes from %s", req.Size, req.Heap), ErrAllocationFailed)
	}

	return bo, nil
}

func (a *Allocator) create(req Request) (*BO, common.VkResult, error) {
	heapMap := a.memory.HeapMap()
	heap, ok := heapMap.Resolve(req.Heap, req.Heap.IsHostVisible())
	if !ok {
		return nil, core1_0.VKErrorFeatureNotPresent, errors.Newf("no memory type can serve %s", req.Heap)
	}

	typeBits := req.MemoryTypeBits
	if typeBits == 0 {
		typeBits = ^uint32(0)
	}
	types := heapMap.Types(heap, typeBits)
	if len(types) == 0 {
		return nil, core1_0.VKErrorFeatureNotPresent, errors.Newf("no memory type of %s is allowed by type bits %#x", heap, typeBits)
	}

	if req.Flags&CreateSparse != 0 {
		return a.createSparse(req, heap, types)
	}

	if req.Flags&CreateNoSuballoc == 0 {
		entrySize, ok := a.slabEntrySize(req.Size, req.Alignment)
		if ok {
			return a.allocateSlabEntry(heap, types, entrySize)
		}
	}

	size := memutils.AlignUp(req.Size, realGranularity)
	for _, expired := range a.cache.Evict(a.isIdle) {
		a.freeReal(expired)
	}

	if req.Flags&CreateNoCache == 0 {
		bo := a.cache.Take(cacheKey{size: size, alignment: req.Alignment, heap: heap}, types, a.isIdle)
		if bo != nil {
			bo.refCount.Init()
			bo.flags = req.Flags
			bo.usage.Unset()
			a.memory.AddAllocation(bo.memoryTypeIndex, bo.size)
			return bo, core1_0.VKSuccess, nil
		}
	}

	bo, res, err := a.allocateReal(heap, types, size, req.Alignment, req.External)
	if err != nil {
		return nil, res, err
	}
	bo.flags = req.Flags
	a.memory.AddAllocation(bo.memoryTypeIndex, bo.size)

	return bo, res, nil
}

// allocateReal makes a new device allocation from the first memory type that succeeds
func (a *Allocator) allocateReal(heap device.Heap, types []int, size, alignment int, external *device.ExternalMemory) (*BO, common.VkResult, error) {
	var res common.VkResult
	var err error

	for _, typeIndex := range types {
		var memory *device.SynchronizedMemory
		memory, res, err = a.memory.AllocateMemory(typeIndex, size, external)
		if err != nil {
			continue
		}

		bo := &BO{
			allocator:       a,
			kind:            KindReal,
			heap:            heap,
			memoryTypeIndex: typeIndex,
			size:            size,
			alignment:       alignment,
			external:        external,
			real:            &realPayload{memory: memory},
		}
		bo.refCount.Init()
		return bo, res, nil
	}

	return nil, res, err
}

func (a *Allocator) freeReal(bo *BO) {
	if mapped := int(bo.mapCount.Swap(0)); mapped > 0 {
		bo.real.memory.Unmap(mapped)
	}
	a.memory.FreeMemory(bo.real.memory)
	bo.real.memory = nil
}

// Release drops one reference to bo. At zero, slab entries return to their slab, sparse
// BOs give back their backing pages and real allocations go to the reclaim cache, or are
// freed if they cannot be cached.
func (a *Allocator) Release(bo *BO) {
	if !bo.refCount.Unref() {
		return
	}

	switch bo.kind {
	case KindSlab:
		a.memory.RemoveAllocation(bo.memoryTypeIndex, bo.size)
		a.freeSlabEntry(bo)
	case KindSparse:
		a.destroySparse(bo)
	default:
		a.memory.RemoveAllocation(bo.memoryTypeIndex, bo.size)
		if !bo.CanCache() || !a.cache.Enabled() {
			a.freeReal(bo)
			return
		}

		if mapped := int(bo.mapCount.Swap(0)); mapped > 0 {
			bo.real.memory.Unmap(mapped)
		}
		evicted := a.cache.Put(bo, a.isIdle)
		for _, old := range evicted {
			a.freeReal(old)
		}
	}
}

// Reclaim frees every idle allocation in the reclaim cache and every slab with no live
// entries
func (a *Allocator) Reclaim() {
	a.logger.Debug("Allocator::Reclaim")

	for _, bo := range a.cache.EvictAll(a.isIdle) {
		a.freeReal(bo)
	}

	for _, owner := range a.releaseEmptySlabs(false) {
		a.freeReal(owner)
	}
}

// Map returns a CPU pointer to the start of bo. Mappings are reference counted and shared
// by every BO in the same device allocation.
func (a *Allocator) Map(bo *BO) (unsafe.Pointer, error) {
	if !bo.CanMap() {
		return nil, errors.Newf("%s cannot be mapped", bo)
	}
	err := a.checkDeviceLost("mapping %s", bo)
	if err != nil {
		return nil, err
	}

	data, _, err := bo.Memory().Map(1)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s", bo)
	}
	bo.mapCount.Add(1)

	return unsafe.Add(data, bo.Offset()), nil
}

// Unmap releases one mapping reference taken by Map
func (a *Allocator) Unmap(bo *BO) {
	if bo.mapCount.Add(-1) < 0 {
		panic("attempted to unmap a BO that is not mapped")
	}

	bo.Memory().Unmap(1)
}

// FlushOrInvalidate makes CPU writes to the range visible to the device, or device writes
// visible to the CPU. It is a no-op for coherent memory.
func (a *Allocator) FlushOrInvalidate(bo *BO, offset, size int, operation device.CacheOperation) error {
	if !a.memory.IsMemoryTypeHostNonCoherent(bo.memoryTypeIndex) {
		return nil
	}
	if offset < 0 || size < 0 || offset+size > bo.size {
		return errors.Wrapf(memutils.RangeError, "range [%d, %d) of a %d byte BO", offset, offset+size, bo.size)
	}

	_, err := a.memory.FlushOrInvalidate([]device.MappedRange{
		{
			Memory: bo.Memory().Handle(),
			Offset: bo.Offset() + offset,
			Size:   size,
		},
	}, operation)
	return err
}

// Destroy frees every cached allocation and empty slab. Slab entries and sparse BOs that
// are still live are logged and reported as an error.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	for _, bo := range a.cache.EvictAll(nil) {
		a.freeReal(bo)
	}

	for _, owner := range a.releaseEmptySlabs(true) {
		a.freeReal(owner)
	}

	leaked := a.logLeakedSlabs()

	a.sparseMutex.Lock()
	a.sparseBOs.Iter(func(bo *BO, _ struct{}) bool {
		leaked++
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased sparse BO",
			slog.Int("size", bo.size),
			slog.Int("committedPages", bo.sparse.pages.Count()),
		)
		return false
	})
	a.sparseMutex.Unlock()

	if leaked > 0 {
		return errors.Newf("%d BOs were not released before the allocator was destroyed", leaked)
	}
	return nil
}
