package bo

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/internal/utils"
)

type realPayload struct {
	memory *device.SynchronizedMemory
	// slab is set when this allocation holds the entries of a slab
	slab *slab
}

type slabEntry struct {
	slab   *slab
	index  int
	offset int
}

// BO is a range of device memory. Exactly one of the real, slab and sparse payloads is
// populated, matching kind.
type BO struct {
	allocator       *Allocator
	kind            Kind
	heap            device.Heap
	memoryTypeIndex int
	size            int
	alignment       int
	flags           CreateFlags
	external        *device.ExternalMemory

	refCount utils.RefCount
	usage    fence.BatchUsage
	mapCount atomic.Int32

	real   *realPayload
	slab   *slabEntry
	sparse *sparsePayload
}

var _ fence.Releaser = &BO{}

func (b *BO) Kind() Kind {
	return b.kind
}

func (b *BO) Heap() device.Heap {
	return b.heap
}

// MemoryTypeIndex is the memory type the BO's pages come from
func (b *BO) MemoryTypeIndex() int {
	return b.memoryTypeIndex
}

// Size is the usable size of the BO. For slab entries this is the full entry size.
func (b *BO) Size() int {
	return b.size
}

func (b *BO) Alignment() int {
	return b.alignment
}

func (b *BO) Flags() CreateFlags {
	return b.flags
}

// External returns the external memory the BO was created with, if any
func (b *BO) External() *device.ExternalMemory {
	return b.external
}

// Memory returns the device allocation the BO lives in. Slab entries return their slab's
// allocation, and sparse BOs return nil.
func (b *BO) Memory() *device.SynchronizedMemory {
	switch b.kind {
	case KindReal:
		return b.real.memory
	case KindSlab:
		return b.slab.slab.owner.real.memory
	}

	return nil
}

// Offset is the BO's offset within Memory
func (b *BO) Offset() int {
	if b.kind == KindSlab {
		return b.slab.offset
	}
	return 0
}

// Usage returns the batches that read and wrote the BO
func (b *BO) Usage() *fence.BatchUsage {
	return &b.usage
}

// CanMap reports whether the BO can be mapped for CPU access
func (b *BO) CanMap() bool {
	return b.kind != KindSparse && b.allocator.memory.IsMemoryTypeHostVisible(b.memoryTypeIndex)
}

// CanCache reports whether the BO's allocation returns to the reclaim cache when the BO is
// released
func (b *BO) CanCache() bool {
	return b.kind == KindReal && b.flags&CreateNoCache == 0 && b.external == nil && b.real.slab == nil
}

// CanCommit reports whether pages can be committed to the BO
func (b *BO) CanCommit() bool {
	return b.kind == KindSparse
}

// RefCount returns the number of live references to the BO
func (b *BO) RefCount() int {
	return b.refCount.Count()
}

func (b *BO) Ref() {
	b.refCount.Ref()
}

// Release drops one reference, returning the BO to its allocator when it was the last
func (b *BO) Release() {
	b.allocator.Release(b)
}

// BindBuffer binds buffer at the BO's offset
func (b *BO) BindBuffer(buffer device.BufferHandle) (common.VkResult, error) {
	memory := b.Memory()
	if memory == nil {
		return core1_0.VKErrorUnknown, errors.Newf("cannot bind a buffer to a %s BO", b.kind)
	}

	memory.RecordBind()
	return memory.BindBuffer(b.Offset(), buffer)
}

// BindImage binds image at the BO's offset
func (b *BO) BindImage(image device.ImageHandle) (common.VkResult, error) {
	memory := b.Memory()
	if memory == nil {
		return core1_0.VKErrorUnknown, errors.Newf("cannot bind an image to a %s BO", b.kind)
	}

	memory.RecordBind()
	return memory.BindImage(b.Offset(), image)
}

func (b *BO) String() string {
	return fmt.Sprintf("%s(%s, type %d, %d bytes)", b.kind, b.heap, b.memoryTypeIndex, b.size)
}
