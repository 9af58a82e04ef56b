package device

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/internal/utils"
)

// SynchronizedMemory is one real device allocation. Mapping is reference counted, so every
// user of the memory shares a single CPU pointer.
type SynchronizedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	// If the memory is mapped and unmapped far more often than it is bound, keep one
	// extra persistent mapping around
	delayCounter  uint32
	statusCounter int32
	extraMapping  bool

	mapMutex        utils.OptionalMutex
	device          Device
	memory          MemoryHandle
	size            int
	memoryTypeIndex int
	external        *ExternalMemory
}

func (m *SynchronizedMemory) Handle() MemoryHandle {
	return m.memory
}

func (m *SynchronizedMemory) Size() int {
	return m.size
}

func (m *SynchronizedMemory) MemoryTypeIndex() int {
	return m.memoryTypeIndex
}

// External returns the external memory description the allocation was made with, if any
func (m *SynchronizedMemory) External() *ExternalMemory {
	return m.external
}

func (m *SynchronizedMemory) BindBuffer(offset int, buffer BufferHandle) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.device.BindBufferMemory(buffer, m.memory, offset)
}

func (m *SynchronizedMemory) BindImage(offset int, image ImageHandle) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.device.BindImageMemory(image, m.memory, offset)
}

func (m *SynchronizedMemory) References() int {
	refs := m.mapReferences
	if m.extraMapping {
		refs++
	}
	return refs
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

const MapDelay uint32 = 7

func (m *SynchronizedMemory) postMapUnmap() {
	m.delayCounter++
	m.statusCounter++

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter >= 1 {
			m.statusCounter = 0
			m.extraMapping = true
		}
	}
}

// RecordBind counts a bind or sub-allocation against the mapping hysteresis. Once binds
// dominate again the extra persistent mapping is dropped.
func (m *SynchronizedMemory) RecordBind() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.delayCounter++
	m.statusCounter--

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter <= -2 {
			m.statusCounter = 0
			m.extraMapping = false

			if m.mapReferences == 0 && m.mapData != nil {
				m.device.UnmapMemory(m.memory)
				m.mapData = nil
			}
		}
	}
}

func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	oldRefCount := m.References()
	m.postMapUnmap()

	if oldRefCount > 0 && m.mapData != nil {
		m.mapReferences += references
		return m.mapData, core1_0.VKSuccess, nil
	} else if oldRefCount > 0 && m.mapReferences > 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("the memory is showing existing mapping references, but no mapped memory")
	}

	mappedData, result, err := m.device.MapMemory(m.memory, 0, common.WholeSize)
	if err != nil {
		return nil, result, err
	}

	m.mapData = mappedData
	m.mapReferences += references
	return mappedData, result, nil
}

func (m *SynchronizedMemory) Unmap(references int) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		panic(fmt.Sprintf("attempted to unmap %d references of device memory with only %d mapped", references, m.mapReferences))
	}

	m.mapReferences -= references
	m.postMapUnmap()

	if m.References() <= 0 {
		m.device.UnmapMemory(m.memory)
		m.mapData = nil
	}
}

func (m *SynchronizedMemory) free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.device.UnmapMemory(m.memory)
		m.mapData = nil
	}
	m.device.FreeMemory(m.memory)
	m.memory = 0
}
