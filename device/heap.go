package device

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Heap is a class of device memory that allocations are requested from. Each heap maps to
// the memory types whose property flags cover the heap's domain.
type Heap int32

const (
	HeapDeviceLocal Heap = iota
	HeapDeviceLocalSparse
	HeapDeviceLocalLazy
	HeapDeviceLocalVisible
	HeapHostVisibleCoherent
	HeapHostVisibleCached

	HeapCount int = iota
)

var heapMapping = make(map[Heap]string)

func (h Heap) String() string {
	return heapMapping[h]
}

func init() {
	heapMapping[HeapDeviceLocal] = "HeapDeviceLocal"
	heapMapping[HeapDeviceLocalSparse] = "HeapDeviceLocalSparse"
	heapMapping[HeapDeviceLocalLazy] = "HeapDeviceLocalLazy"
	heapMapping[HeapDeviceLocalVisible] = "HeapDeviceLocalVisible"
	heapMapping[HeapHostVisibleCoherent] = "HeapHostVisibleCoherent"
	heapMapping[HeapHostVisibleCached] = "HeapHostVisibleCached"
}

// DomainFlags returns the memory property flags a memory type must have to serve the heap
func (h Heap) DomainFlags() core1_0.MemoryPropertyFlags {
	switch h {
	case HeapDeviceLocalLazy:
		return core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyLazilyAllocated
	case HeapDeviceLocalVisible:
		return core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case HeapHostVisibleCoherent:
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case HeapHostVisibleCached:
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached
	default:
		return core1_0.MemoryPropertyDeviceLocal
	}
}

// IsHostVisible reports whether allocations from this heap can be mapped
func (h Heap) IsHostVisible() bool {
	return h.DomainFlags()&core1_0.MemoryPropertyHostVisible != 0
}

// HeapFromFlags picks the heap for a set of requested memory properties
func HeapFromFlags(flags core1_0.MemoryPropertyFlags, sparse bool) Heap {
	if flags&core1_0.MemoryPropertyLazilyAllocated != 0 {
		return HeapDeviceLocalLazy
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 && flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		return HeapDeviceLocalVisible
	}
	if flags&core1_0.MemoryPropertyHostCached != 0 {
		return HeapHostVisibleCached
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		return HeapHostVisibleCoherent
	}
	if sparse {
		return HeapDeviceLocalSparse
	}
	return HeapDeviceLocal
}

// Demote returns the heap to try after an allocation from h could not be satisfied. The
// second return is false when there is nowhere left to go.
func Demote(h Heap, wantCoherent bool) (Heap, bool) {
	switch h {
	case HeapDeviceLocalVisible:
		if wantCoherent {
			return HeapHostVisibleCoherent, true
		}
		return HeapDeviceLocal, true
	case HeapHostVisibleCached:
		return HeapHostVisibleCoherent, true
	case HeapDeviceLocalLazy, HeapDeviceLocalSparse:
		return HeapDeviceLocal, true
	}

	return h, false
}

// HeapMap lists, for each heap, the memory type indices able to serve it. Types whose
// property flags match the domain exactly come first.
type HeapMap [HeapCount][]int

func BuildHeapMap(props *core1_0.PhysicalDeviceMemoryProperties) HeapMap {
	var heapMap HeapMap

	for heapIndex := 0; heapIndex < HeapCount; heapIndex++ {
		heap := Heap(heapIndex)
		domain := heap.DomainFlags()

		var exact, loose []int
		for typeIndex, memoryType := range props.MemoryTypes {
			if memoryType.PropertyFlags&domain != domain {
				continue
			}
			if heap == HeapDeviceLocal && memoryType.PropertyFlags&core1_0.MemoryPropertyLazilyAllocated != 0 {
				continue
			}

			if memoryType.PropertyFlags == domain {
				exact = append(exact, typeIndex)
			} else {
				loose = append(loose, typeIndex)
			}
		}

		heapMap[heap] = append(exact, loose...)
	}

	return heapMap
}

// Resolve follows demotions until it reaches a heap with at least one memory type
func (m *HeapMap) Resolve(h Heap, wantCoherent bool) (Heap, bool) {
	for len(m[h]) == 0 {
		next, ok := Demote(h, wantCoherent)
		if !ok {
			return h, false
		}
		h = next
	}

	return h, true
}

// Types returns the memory types of heap h that are also permitted by typeBits
func (m *HeapMap) Types(h Heap, typeBits uint32) []int {
	var types []int
	for _, typeIndex := range m[h] {
		if typeBits&(1<<typeIndex) != 0 {
			types = append(types, typeIndex)
		}
	}
	return types
}
