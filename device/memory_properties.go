package device

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/internal/utils"
	"github.com/vkngwrapper/gallium/memutils"
)

type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

// MemoryCallbacks is notified of every real device allocation and free
type MemoryCallbacks interface {
	Allocate(memoryType int, memory MemoryHandle, size int)
	Free(memoryType int, memory MemoryHandle, size int)
}

// MemoryProperties wraps a Device with the bookkeeping needed to hand out real device
// allocations: per-heap counters, optional heap size limits and the heap map.
type MemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of user allocations handed out, slab entries and whole allocations alike
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of user allocations handed out, slab entries and whole allocations alike
	allocationBytes [common.MaxMemoryHeaps]int64

	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int
	heapMap         HeapMap

	device           Device
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewMemoryProperties(
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	device Device,
	heapSizeLimits []int,
) (*MemoryProperties, error) {
	props := &MemoryProperties{
		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,
		device:          device,
	}

	var err error
	props.deviceProperties, err = device.Properties()
	if err != nil {
		return nil, err
	}
	if props.deviceProperties.Limits == nil {
		return nil, errors.New("device properties did not include limits")
	}

	props.memoryProperties = device.MemoryProperties()

	err = memutils.CheckPow2(props.deviceProperties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(props.deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := props.MemoryHeapCount()
	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, errors.Newf("%d heap size limits were provided, but the device has %d memory heaps", len(heapSizeLimits), heapCount)
	}
	props.heapLimits = heapSizeLimits
	props.heapMap = BuildHeapMap(props.memoryProperties)

	return props, nil
}

func (m *MemoryProperties) Device() Device {
	return m.device
}

func (m *MemoryProperties) HeapMap() *HeapMap {
	return &m.heapMap
}

func (m *MemoryProperties) Limits() *core1_0.PhysicalDeviceLimits {
	return m.deviceProperties.Limits
}

func (m *MemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *MemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *MemoryProperties) MemoryHeapSize(heapIndex int) int {
	return m.memoryProperties.MemoryHeaps[heapIndex].Size
}

func (m *MemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *MemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *MemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *MemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// NonCoherentAtomSize is the granularity that flushes and invalidates of non-coherent
// memory are aligned to
func (m *MemoryProperties) NonCoherentAtomSize() uint {
	atom := m.deviceProperties.Limits.NonCoherentAtomSize
	if atom < 1 {
		return 1
	}
	return uint(atom)
}

func (m *MemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *MemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) (common.VkResult, error) {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (m *MemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateMemory makes one real device allocation from the given memory type, honoring
// the device allocation count and any heap size limit.
func (m *MemoryProperties) AllocateMemory(
	memoryTypeIndex int,
	size int,
	external *ExternalMemory,
) (mem *SynchronizedMemory, res common.VkResult, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.deviceProperties.Limits.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	heapLimit := 0
	if len(m.heapLimits) > 0 {
		heapLimit = m.heapLimits[heapIndex]
	}

	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		maxSize := heapLimit
		heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
		if heapSize < heapLimit {
			maxSize = heapSize
		}
		res, err = m.addBlockAllocationWithBudget(heapIndex, size, maxSize)
		if err != nil {
			return nil, res, err
		}
	}
	defer func() {
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	handle, res, err := m.device.AllocateMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}, external)
	if err != nil {
		return nil, res, err
	}

	mem = &SynchronizedMemory{
		device:          m.device,
		memory:          handle,
		size:            size,
		memoryTypeIndex: memoryTypeIndex,
		external:        external,
		mapMutex: utils.OptionalMutex{
			UseMutex: m.useMutex,
		},
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, handle, size)
	}

	return mem, res, nil
}

func (m *MemoryProperties) FreeMemory(memory *SynchronizedMemory) {
	memoryType := memory.MemoryTypeIndex()
	size := memory.Size()

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryType, memory.Handle(), size)
	}

	memory.free()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *MemoryProperties) AddAllocation(memoryTypeIndex int, size int) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *MemoryProperties) RemoveAllocation(memoryTypeIndex int, size int) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

func (m *MemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].Budget = m.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10
		if len(m.heapLimits) > 0 && m.heapLimits[heapIndex] > 0 && m.heapLimits[heapIndex] < budgets[i].Budget {
			budgets[i].Budget = m.heapLimits[heapIndex]
		}
	}
}

type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationMapping = make(map[CacheOperation]string)

func (o CacheOperation) String() string {
	return cacheOperationMapping[o]
}

func init() {
	cacheOperationMapping[CacheOperationFlush] = "CacheOperationFlush"
	cacheOperationMapping[CacheOperationInvalidate] = "CacheOperationInvalidate"
}

// FlushOrInvalidate widens each range to the non-coherent atom size and carries out the
// cache operation. Ranges in coherent memory should not be passed.
func (m *MemoryProperties) FlushOrInvalidate(memRanges []MappedRange, operation CacheOperation) (common.VkResult, error) {
	if len(memRanges) == 0 {
		return core1_0.VKSuccess, nil
	}

	atom := m.NonCoherentAtomSize()
	aligned := make([]MappedRange, 0, len(memRanges))
	for _, r := range memRanges {
		start := memutils.AlignDown(r.Offset, atom)
		end := memutils.AlignUp(r.Offset+r.Size, atom)
		aligned = append(aligned, MappedRange{Memory: r.Memory, Offset: start, Size: end - start})
	}

	switch operation {
	case CacheOperationFlush:
		return m.device.FlushMappedMemoryRanges(aligned)
	case CacheOperationInvalidate:
		return m.device.InvalidateMappedMemoryRanges(aligned)
	}

	return core1_0.VKErrorUnknown, errors.Newf("attempted to carry out invalid cache operation %s", operation.String())
}

func (m *MemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

func (m *MemoryProperties) IsIntegratedGPU() bool {
	return m.deviceProperties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU
}
