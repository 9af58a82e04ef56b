// Package devicetest provides an in-memory device.Device for exercising the allocator,
// resource and synchronization layers without a driver.
package devicetest

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/memutils"
)

type fakeMemory struct {
	data            []byte
	memoryTypeIndex int
	external        *device.ExternalMemory
	mapped          bool
}

type fakeBuffer struct {
	info   device.BufferCreateInfo
	memory device.MemoryHandle
	offset int
}

type fakeImage struct {
	info   device.ImageCreateInfo
	memory device.MemoryHandle
	offset int
}

// FakeDevice is a device.Device backed by Go memory. Memory is real, so mapped pointers
// can be read and written. Commands are recorded rather than executed, except that buffer
// to buffer copies are carried out at submit time.
type FakeDevice struct {
	mutex sync.Mutex

	properties       core1_0.PhysicalDeviceProperties
	memoryProperties core1_0.PhysicalDeviceMemoryProperties

	// HeapCapacity caps the bytes live in each memory heap; zero is unlimited
	HeapCapacity []int
	// FailAllocations makes the next N AllocateMemory calls fail with out of device memory
	FailAllocations int
	// ImageSupport decides ImageFormatSupported; nil accepts everything
	ImageSupport func(info device.ImageCreateInfo) bool
	// ManualTimeline stops submissions from signaling the timeline until Signal is called
	ManualTimeline bool
	// BufferAlignment is the alignment reported in buffer memory requirements
	BufferAlignment int
	// ImageAlignment is the alignment reported in image memory requirements
	ImageAlignment int

	nextHandle uint64
	memory     map[device.MemoryHandle]*fakeMemory
	buffers    map[device.BufferHandle]*fakeBuffer
	images     map[device.ImageHandle]*fakeImage
	views      map[device.ViewHandle]device.ViewCreateInfo
	heapUsage  []int

	SparseBinds  []device.SparseBind
	Submissions  []device.SubmitInfo
	Flushes      []device.MappedRange
	Invalidates  []device.MappedRange
	AllocCount   int
	FreeCount    int
	ImageQueries []device.ImageCreateInfo

	timeline     atomic.Uint64
	lost         atomic.Bool
	timelineCond *sync.Cond
}

var _ device.Device = &FakeDevice{}

// NewFakeDevice builds a fake with the given memory layout. Limits default to a
// nonCoherentAtomSize of 64 and bufferImageGranularity of 1.
func NewFakeDevice(types []core1_0.MemoryType, heaps []core1_0.MemoryHeap) *FakeDevice {
	d := &FakeDevice{
		properties: core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				BufferImageGranularity: 1,
				NonCoherentAtomSize:    64,
			},
		},
		memoryProperties: core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: types,
			MemoryHeaps: heaps,
		},
		BufferAlignment: 16,
		ImageAlignment:  4096,
		memory:          make(map[device.MemoryHandle]*fakeMemory),
		buffers:         make(map[device.BufferHandle]*fakeBuffer),
		images:          make(map[device.ImageHandle]*fakeImage),
		views:           make(map[device.ViewHandle]device.ViewCreateInfo),
		heapUsage:       make([]int, len(heaps)),
	}
	d.timelineCond = sync.NewCond(&d.mutex)
	return d
}

// NewDiscreteDevice is a typical discrete GPU: a 256MB device-local heap with a
// device-local, host-visible window into it, and a 256MB host heap with coherent and
// cached types.
func NewDiscreteDevice() *FakeDevice {
	return NewFakeDevice(
		[]core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		[]core1_0.MemoryHeap{
			{Size: 256 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 256 * 1024 * 1024},
		},
	)
}

func (d *FakeDevice) Limits() *core1_0.PhysicalDeviceLimits {
	return d.properties.Limits
}

func (d *FakeDevice) Properties() (*core1_0.PhysicalDeviceProperties, error) {
	return &d.properties, nil
}

func (d *FakeDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &d.memoryProperties
}

func (d *FakeDevice) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

func (d *FakeDevice) AllocateMemory(info core1_0.MemoryAllocateInfo, external *device.ExternalMemory) (device.MemoryHandle, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost.Load() {
		return 0, core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError()
	}

	if d.FailAllocations > 0 {
		d.FailAllocations--
		return 0, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(d.memoryProperties.MemoryTypes) {
		return 0, core1_0.VKErrorUnknown, errors.Newf("invalid memory type index %d", info.MemoryTypeIndex)
	}

	heapIndex := d.memoryProperties.MemoryTypes[info.MemoryTypeIndex].HeapIndex
	capacity := d.memoryProperties.MemoryHeaps[heapIndex].Size
	if len(d.HeapCapacity) > heapIndex && d.HeapCapacity[heapIndex] > 0 {
		capacity = d.HeapCapacity[heapIndex]
	}
	if d.heapUsage[heapIndex]+info.AllocationSize > capacity {
		return 0, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}
	d.heapUsage[heapIndex] += info.AllocationSize

	handle := device.MemoryHandle(d.handle())
	d.memory[handle] = &fakeMemory{
		data:            make([]byte, info.AllocationSize),
		memoryTypeIndex: info.MemoryTypeIndex,
		external:        external,
	}
	d.AllocCount++

	return handle, core1_0.VKSuccess, nil
}

func (d *FakeDevice) FreeMemory(memory device.MemoryHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memory[memory]
	if !ok {
		panic("freeing device memory that does not exist")
	}
	heapIndex := d.memoryProperties.MemoryTypes[mem.memoryTypeIndex].HeapIndex
	d.heapUsage[heapIndex] -= len(mem.data)
	delete(d.memory, memory)
	d.FreeCount++
}

func (d *FakeDevice) MapMemory(memory device.MemoryHandle, offset, size int) (unsafe.Pointer, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memory[memory]
	if !ok {
		return nil, core1_0.VKErrorMemoryMapFailed, core1_0.VKErrorMemoryMapFailed.ToError()
	}
	if d.memoryProperties.MemoryTypes[mem.memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("mapping memory that is not host visible")
	}
	if mem.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("memory is already mapped")
	}
	mem.mapped = true

	return unsafe.Pointer(&mem.data[offset]), core1_0.VKSuccess, nil
}

func (d *FakeDevice) UnmapMemory(memory device.MemoryHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memory[memory]
	if !ok || !mem.mapped {
		panic("unmapping memory that is not mapped")
	}
	mem.mapped = false
}

// LiveMemory returns the number of device allocations that have not been freed
func (d *FakeDevice) LiveMemory() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.memory)
}

// IsMapped reports whether the allocation is currently mapped
func (d *FakeDevice) IsMapped(memory device.MemoryHandle) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memory[memory]
	return ok && mem.mapped
}

func (d *FakeDevice) FlushMappedMemoryRanges(ranges []device.MappedRange) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.Flushes = append(d.Flushes, ranges...)
	return core1_0.VKSuccess, nil
}

func (d *FakeDevice) InvalidateMappedMemoryRanges(ranges []device.MappedRange) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.Invalidates = append(d.Invalidates, ranges...)
	return core1_0.VKSuccess, nil
}

func (d *FakeDevice) CreateBuffer(info device.BufferCreateInfo) (device.BufferHandle, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := device.BufferHandle(d.handle())
	d.buffers[handle] = &fakeBuffer{info: info}
	return handle, core1_0.VKSuccess, nil
}

func (d *FakeDevice) DestroyBuffer(buffer device.BufferHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.buffers[buffer]; !ok {
		panic("destroying a buffer that does not exist")
	}
	delete(d.buffers, buffer)
}

// LiveBuffers returns the number of buffers that have not been destroyed
func (d *FakeDevice) LiveBuffers() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.buffers)
}

func (d *FakeDevice) BufferMemoryRequirements(buffer device.BufferHandle) core1_0.MemoryRequirements {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	info := d.buffers[buffer].info
	return core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(info.Size, uint(d.BufferAlignment)),
		Alignment:      d.BufferAlignment,
		MemoryTypeBits: 1<<len(d.memoryProperties.MemoryTypes) - 1,
	}
}

func (d *FakeDevice) BindBufferMemory(buffer device.BufferHandle, memory device.MemoryHandle, offset int) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf, ok := d.buffers[buffer]
	if !ok {
		return core1_0.VKErrorUnknown, errors.New("binding a buffer that does not exist")
	}
	if _, ok := d.memory[memory]; !ok {
		return core1_0.VKErrorUnknown, errors.New("binding to memory that does not exist")
	}
	buf.memory = memory
	buf.offset = offset
	return core1_0.VKSuccess, nil
}

// BufferBinding returns the memory and offset a buffer was bound to
func (d *FakeDevice) BufferBinding(buffer device.BufferHandle) (device.MemoryHandle, int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buf := d.buffers[buffer]
	return buf.memory, buf.offset
}

// BufferInfo returns the create info a live buffer was created with
func (d *FakeDevice) BufferInfo(buffer device.BufferHandle) device.BufferCreateInfo {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.buffers[buffer].info
}

func (d *FakeDevice) ImageFormatSupported(info device.ImageCreateInfo) bool {
	d.mutex.Lock()
	d.ImageQueries = append(d.ImageQueries, info)
	support := d.ImageSupport
	d.mutex.Unlock()

	if support == nil {
		return true
	}
	return support(info)
}

func (d *FakeDevice) CreateImage(info device.ImageCreateInfo) (device.ImageHandle, common.VkResult, error) {
	if !d.ImageFormatSupported(info) {
		return 0, core1_0.VKErrorFormatNotSupported, core1_0.VKErrorFormatNotSupported.ToError()
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := device.ImageHandle(d.handle())
	d.images[handle] = &fakeImage{info: info}
	return handle, core1_0.VKSuccess, nil
}

func (d *FakeDevice) DestroyImage(image device.ImageHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.images[image]; !ok {
		panic("destroying an image that does not exist")
	}
	delete(d.images, image)
}

// LiveImages returns the number of images that have not been destroyed
func (d *FakeDevice) LiveImages() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.images)
}

// ImageInfo returns the create info a live image was created with
func (d *FakeDevice) ImageInfo(image device.ImageHandle) device.ImageCreateInfo {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.images[image].info
}

func imageSize(info device.ImageCreateInfo) int {
	size := 0
	width, height, depth := int(info.Extent.Width), int(info.Extent.Height), int(info.Extent.DepthOrArrayLayers)
	layers := int(info.ArrayLayers)
	if layers < 1 {
		layers = 1
	}
	levels := int(info.MipLevels)
	if levels < 1 {
		levels = 1
	}

	for level := 0; level < levels; level++ {
		size += width * height * depth * layers * 4
		width, height = max(width/2, 1), max(height/2, 1)
		if info.Dimension == gputypes.TextureDimension3D {
			depth = max(depth/2, 1)
		}
	}
	return size
}

func (d *FakeDevice) ImageMemoryRequirements(image device.ImageHandle) core1_0.MemoryRequirements {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	info := d.images[image].info
	return core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(imageSize(info), uint(d.ImageAlignment)),
		Alignment:      d.ImageAlignment,
		MemoryTypeBits: 1<<len(d.memoryProperties.MemoryTypes) - 1,
	}
}

func (d *FakeDevice) BindImageMemory(image device.ImageHandle, memory device.MemoryHandle, offset int) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	img, ok := d.images[image]
	if !ok {
		return core1_0.VKErrorUnknown, errors.New("binding an image that does not exist")
	}
	img.memory = memory
	img.offset = offset
	return core1_0.VKSuccess, nil
}

func (d *FakeDevice) SubresourceLayout(image device.ImageHandle, aspect gputypes.TextureAspect, level, layer uint32) device.SubresourceLayout {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	info := d.images[image].info
	width := max(int(info.Extent.Width)>>level, 1)
	height := max(int(info.Extent.Height)>>level, 1)
	rowPitch := memutils.AlignUp(width*4, 256)
	arrayPitch := rowPitch * height

	offset := 0
	for l := uint32(0); l < level; l++ {
		offset += memutils.AlignUp(max(int(info.Extent.Width)>>l, 1)*4, 256) * max(int(info.Extent.Height)>>l, 1) * max(int(info.ArrayLayers), 1)
	}

	return device.SubresourceLayout{
		Offset:     offset + int(layer)*arrayPitch,
		Size:       arrayPitch,
		RowPitch:   rowPitch,
		ArrayPitch: arrayPitch,
		DepthPitch: arrayPitch,
	}
}

func (d *FakeDevice) CreateView(info device.ViewCreateInfo) (device.ViewHandle, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := device.ViewHandle(d.handle())
	d.views[handle] = info
	return handle, core1_0.VKSuccess, nil
}

func (d *FakeDevice) DestroyView(view device.ViewHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.views[view]; !ok {
		panic("destroying a view that does not exist")
	}
	delete(d.views, view)
}

// LiveViews returns the number of views that have not been destroyed
func (d *FakeDevice) LiveViews() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.views)
}

func (d *FakeDevice) SparseBind(binds []device.SparseBind) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, bind := range binds {
		if bind.Memory != 0 {
			if _, ok := d.memory[bind.Memory]; !ok {
				return core1_0.VKErrorUnknown, errors.New("sparse binding to memory that does not exist")
			}
		}
	}
	d.SparseBinds = append(d.SparseBinds, binds...)
	return core1_0.VKSuccess, nil
}

func (d *FakeDevice) AllocateCommandBuffer() (device.CommandBuffer, common.VkResult, error) {
	return &CommandBuffer{}, core1_0.VKSuccess, nil
}

func (d *FakeDevice) Submit(info device.SubmitInfo) (common.VkResult, error) {
	if d.lost.Load() {
		return core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError()
	}

	d.mutex.Lock()
	d.Submissions = append(d.Submissions, info)
	for _, cmd := range info.CommandBuffers {
		fake, ok := cmd.(*CommandBuffer)
		if ok {
			d.executeLocked(fake)
		}
	}
	manual := d.ManualTimeline
	d.mutex.Unlock()

	if !manual {
		d.Signal(info.SignalValue)
	}
	return core1_0.VKSuccess, nil
}

func (d *FakeDevice) bufferBytesLocked(buffer device.BufferHandle) []byte {
	buf, ok := d.buffers[buffer]
	if !ok {
		return nil
	}
	mem, ok := d.memory[buf.memory]
	if !ok {
		return nil
	}
	return mem.data[buf.offset:]
}

func (d *FakeDevice) executeLocked(cmd *CommandBuffer) {
	cmd.mutex.Lock()
	defer cmd.mutex.Unlock()

	for _, copyCmd := range cmd.BufferCopies {
		src := d.bufferBytesLocked(copyCmd.Src)
		dst := d.bufferBytesLocked(copyCmd.Dst)
		if src == nil || dst == nil {
			continue
		}
		for _, region := range copyCmd.Regions {
			copy(dst[region.DstOffset:region.DstOffset+region.Size], src[region.SrcOffset:region.SrcOffset+region.Size])
		}
	}
}

// Signal advances the device timeline to value and wakes waiters
func (d *FakeDevice) Signal(value uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for {
		current := d.timeline.Load()
		if value <= current || d.timeline.CompareAndSwap(current, value) {
			break
		}
	}
	d.timelineCond.Broadcast()
}

// Lose puts the device into the lost state. Pending and future waits fail.
func (d *FakeDevice) Lose() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.lost.Store(true)
	d.timelineCond.Broadcast()
}

func (d *FakeDevice) TimelineValue() (uint64, common.VkResult, error) {
	if d.lost.Load() {
		return 0, core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError()
	}
	return d.timeline.Load(), core1_0.VKSuccess, nil
}

func (d *FakeDevice) WaitTimeline(ctx context.Context, value uint64) (common.VkResult, error) {
	stop := context.AfterFunc(ctx, func() {
		d.mutex.Lock()
		defer d.mutex.Unlock()
		d.timelineCond.Broadcast()
	})
	defer stop()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for {
		if d.lost.Load() {
			return core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError()
		}
		if d.timeline.Load() >= value {
			return core1_0.VKSuccess, nil
		}
		if ctx.Err() != nil {
			return core1_0.VKTimeout, ctx.Err()
		}
		d.timelineCond.Wait()
	}
}

type BufferCopyCommand struct {
	Src, Dst device.BufferHandle
	Regions  []device.BufferCopy
}

type ImageCopyCommand struct {
	SrcImage  device.ImageHandle
	DstImage  device.ImageHandle
	SrcBuffer device.BufferHandle
	DstBuffer device.BufferHandle
	Regions   []device.ImageCopy
	Buffer    []device.BufferImageCopy
}

// CommandBuffer records every command issued to it
type CommandBuffer struct {
	mutex sync.Mutex

	Barriers     []device.Barrier
	BufferCopies []BufferCopyCommand
	ImageCopies  []ImageCopyCommand
}

var _ device.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) PipelineBarrier(barrier device.Barrier) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.Barriers = append(c.Barriers, barrier)
}

func (c *CommandBuffer) CopyBuffer(src, dst device.BufferHandle, regions ...device.BufferCopy) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.BufferCopies = append(c.BufferCopies, BufferCopyCommand{Src: src, Dst: dst, Regions: regions})
}

func (c *CommandBuffer) CopyImage(src, dst device.ImageHandle, regions ...device.ImageCopy) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.ImageCopies = append(c.ImageCopies, ImageCopyCommand{SrcImage: src, DstImage: dst, Regions: regions})
}

func (c *CommandBuffer) CopyBufferToImage(src device.BufferHandle, dst device.ImageHandle, regions ...device.BufferImageCopy) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.ImageCopies = append(c.ImageCopies, ImageCopyCommand{SrcBuffer: src, DstImage: dst, Buffer: regions})
}

func (c *CommandBuffer) CopyImageToBuffer(src device.ImageHandle, dst device.BufferHandle, regions ...device.BufferImageCopy) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.ImageCopies = append(c.ImageCopies, ImageCopyCommand{SrcImage: src, DstBuffer: dst, Buffer: regions})
}

// BarrierCount returns the number of barriers recorded so far
func (c *CommandBuffer) BarrierCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.Barriers)
}
