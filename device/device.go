package device

import (
	"context"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
)

// MemoryHandle, BufferHandle, ImageHandle and ViewHandle are opaque driver handles. The zero
// value is never a live handle.
type MemoryHandle uint64
type BufferHandle uint64
type ImageHandle uint64
type ViewHandle uint64

// Tiling selects how an image's texels are laid out in memory
type Tiling int32

const (
	TilingOptimal Tiling = iota
	TilingLinear
	TilingDRMModifier
)

var tilingMapping = map[Tiling]string{
	TilingOptimal:     "TilingOptimal",
	TilingLinear:      "TilingLinear",
	TilingDRMModifier: "TilingDRMModifier",
}

func (t Tiling) String() string {
	return tilingMapping[t]
}

// ExternalMemory describes memory that is shared with another API or process
type ExternalMemory struct {
	// HandleTypes is the set of handle types the memory may be exported as or was imported from
	HandleTypes khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags
	// ImportHandle is the platform handle (fd, win32 handle) being imported. Zero means the
	// memory is allocated fresh and made exportable.
	ImportHandle uintptr
}

type BufferCreateInfo struct {
	Size     int
	Usage    core1_0.BufferUsageFlags
	Sparse   bool
	External *ExternalMemory
}

type ImageCreateInfo struct {
	Dimension   gputypes.TextureDimension
	Format      gputypes.TextureFormat
	Extent      gputypes.Extent3D
	MipLevels   uint32
	ArrayLayers uint32
	Samples     uint32
	Tiling      Tiling
	Modifier    uint64
	Usage       core1_0.ImageUsageFlags

	// Mutable allows views to reinterpret the format
	Mutable bool
	// ExtendedUsage allows usage bits that the base format does not support, as long as
	// some compatible view format does
	ExtendedUsage  bool
	CubeCompatible bool
	Sparse         bool
	External       *ExternalMemory
}

type ViewCreateInfo struct {
	Image     ImageHandle
	Buffer    BufferHandle
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureViewDimension
	Range     gputypes.ImageSubresourceRange
	Offset    int
	Size      int
}

type SubresourceLayout struct {
	Offset     int
	Size       int
	RowPitch   int
	ArrayPitch int
	DepthPitch int
}

type MappedRange struct {
	Memory MemoryHandle
	Offset int
	Size   int
}

// SparseTarget names the virtual resource that sparse pages are bound into
type SparseTarget struct {
	Buffer BufferHandle
	Image  ImageHandle
}

// SparseBind binds Size bytes at ResourceOffset of a sparse resource to Memory at
// MemoryOffset. A zero Memory unbinds the range.
type SparseBind struct {
	Target         SparseTarget
	ResourceOffset int
	Memory         MemoryHandle
	MemoryOffset   int
	Size           int
}

type Barrier struct {
	SrcStage  PipelineStageFlags
	DstStage  PipelineStageFlags
	SrcAccess AccessFlags
	DstAccess AccessFlags
	OldLayout ImageLayout
	NewLayout ImageLayout

	Buffer BufferHandle
	Image  ImageHandle
	Aspect gputypes.TextureAspect
}

type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

type ImageCopy struct {
	Aspect    gputypes.TextureAspect
	SrcLevel  uint32
	DstLevel  uint32
	SrcOrigin gputypes.Origin3D
	DstOrigin gputypes.Origin3D
	Extent    gputypes.Extent3D
}

type BufferImageCopy struct {
	BufferOffset    int
	BufferRowLength uint32
	Aspect          gputypes.TextureAspect
	Level           uint32
	Origin          gputypes.Origin3D
	Extent          gputypes.Extent3D
}

// CommandBuffer records transfer and synchronization commands for one stream of a batch
type CommandBuffer interface {
	PipelineBarrier(barrier Barrier)
	CopyBuffer(src, dst BufferHandle, regions ...BufferCopy)
	CopyImage(src, dst ImageHandle, regions ...ImageCopy)
	CopyBufferToImage(src BufferHandle, dst ImageHandle, regions ...BufferImageCopy)
	CopyImageToBuffer(src ImageHandle, dst BufferHandle, regions ...BufferImageCopy)
}

type SubmitInfo struct {
	CommandBuffers []CommandBuffer
	// SignalValue is the value the device timeline reaches when the submission completes
	SignalValue uint64
}

// Device is everything the allocator, resource and synchronization layers need from the
// driver underneath them.
type Device interface {
	Properties() (*core1_0.PhysicalDeviceProperties, error)
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	AllocateMemory(info core1_0.MemoryAllocateInfo, external *ExternalMemory) (MemoryHandle, common.VkResult, error)
	FreeMemory(memory MemoryHandle)
	MapMemory(memory MemoryHandle, offset, size int) (unsafe.Pointer, common.VkResult, error)
	UnmapMemory(memory MemoryHandle)
	FlushMappedMemoryRanges(ranges []MappedRange) (common.VkResult, error)
	InvalidateMappedMemoryRanges(ranges []MappedRange) (common.VkResult, error)

	CreateBuffer(info BufferCreateInfo) (BufferHandle, common.VkResult, error)
	DestroyBuffer(buffer BufferHandle)
	BufferMemoryRequirements(buffer BufferHandle) core1_0.MemoryRequirements
	BindBufferMemory(buffer BufferHandle, memory MemoryHandle, offset int) (common.VkResult, error)

	// ImageFormatSupported reports whether the driver accepts this combination of format,
	// tiling and usage
	ImageFormatSupported(info ImageCreateInfo) bool
	CreateImage(info ImageCreateInfo) (ImageHandle, common.VkResult, error)
	DestroyImage(image ImageHandle)
	ImageMemoryRequirements(image ImageHandle) core1_0.MemoryRequirements
	BindImageMemory(image ImageHandle, memory MemoryHandle, offset int) (common.VkResult, error)
	SubresourceLayout(image ImageHandle, aspect gputypes.TextureAspect, level, layer uint32) SubresourceLayout

	CreateView(info ViewCreateInfo) (ViewHandle, common.VkResult, error)
	DestroyView(view ViewHandle)

	SparseBind(binds []SparseBind) (common.VkResult, error)

	AllocateCommandBuffer() (CommandBuffer, common.VkResult, error)
	Submit(info SubmitInfo) (common.VkResult, error)
	// TimelineValue returns the last value the device timeline has reached
	TimelineValue() (uint64, common.VkResult, error)
	// WaitTimeline blocks until the device timeline reaches value or ctx is done
	WaitTimeline(ctx context.Context, value uint64) (common.VkResult, error)
}
