package resource

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/bo"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/memutils"
	"golang.org/x/exp/slog"
)

// stagingRAM is the set of memory properties reads can be served from directly
const stagingRAM = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached

// Transfer is a CPU mapping of a region of a resource, returned by Screen.Map
type Transfer struct {
	resource *Resource
	level    uint32
	box      Box
	flags    MapFlags

	// obj is the object that was mapped, or the one the staging copy is written back to
	obj     *Object
	staging *Object
	mapped  *bo.BO

	ptr  unsafe.Pointer
	size int
	// offset is where the mapped region starts within the mapped object
	offset      int
	stride      int
	layerStride int
}

func (t *Transfer) Resource() *Resource {
	return t.resource
}

func (t *Transfer) Box() Box {
	return t.box
}

func (t *Transfer) Level() uint32 {
	return t.level
}

// Flags returns the map flags, including those Map inferred
func (t *Transfer) Flags() MapFlags {
	return t.flags
}

// Pointer returns the CPU address of the start of the mapped region
func (t *Transfer) Pointer() unsafe.Pointer {
	return t.ptr
}

// Bytes returns the mapped region
func (t *Transfer) Bytes() []byte {
	return unsafe.Slice((*byte)(t.ptr), t.size)
}

// Stride is the distance in bytes between rows of an image mapping
func (t *Transfer) Stride() int {
	return t.stride
}

// LayerStride is the distance in bytes between layers or slices of an image mapping
func (t *Transfer) LayerStride() int {
	return t.layerStride
}

// IsStaged reports whether the mapping goes through a staging buffer
func (t *Transfer) IsStaged() bool {
	return t.staging != nil
}

// alignRange widens [offset, offset+size) to the non-coherent atom size without passing
// limit
func (s *Screen) alignRange(offset, size, limit int) (int, int) {
	atom := uint(s.nonCoherentAtomSize)
	start := memutils.AlignDown(offset, atom)
	end := min(memutils.AlignUp(offset+size, atom), limit)
	return start, end - start
}

func (s *Screen) flushOrInvalidate(obj *Object, offset, size int, operation device.CacheOperation) error {
	if obj.coherent {
		return nil
	}

	start, length := s.alignRange(offset, size, obj.bo.Size())
	err := s.allocator.FlushOrInvalidate(obj.bo, start, length, operation)
	if err != nil {
		return errors.Wrapf(err, "%s of %s", operation, obj)
	}
	return nil
}

func (s *Screen) createStaging(size int, usage Usage) (*Object, error) {
	return s.createObject(&Template{
		Width:       uint32(size),
		BufferUsage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		Usage:       usage,
	}, nil)
}

// recordCopy records a transfer from src to dst into fctx's recording batch. Another
// context waiting on fctx's work may flush the batch underneath us, in which case the copy
// moves to the batch that replaced it.
func (s *Screen) recordCopy(ctx context.Context, fctx *fence.Context, src, dst *Object, record func(device.CommandBuffer)) error {
	for {
		_, err := s.engine.CopyAccess(ctx, fctx.Batch(), src.state, dst.state, record)
		if !errors.Is(err, fence.ErrBatchSubmitted) {
			return err
		}
	}
}

// copyBuffer records a copy of size bytes from src to dst
func (s *Screen) copyBuffer(ctx context.Context, fctx *fence.Context, dst, src *Object, dstOffset, srcOffset, size int) error {
	err := s.recordCopy(ctx, fctx, src, dst, func(commands device.CommandBuffer) {
		commands.CopyBuffer(src.buffer, dst.buffer, device.BufferCopy{
			SrcOffset: srcOffset,
			DstOffset: dstOffset,
			Size:      size,
		})
	})
	if err != nil {
		return err
	}

	dst.AddCopyBox(0, BufferBox(dstOffset, size))
	return nil
}

func (t *Transfer) bufferImageCopy() device.BufferImageCopy {
	return device.BufferImageCopy{
		BufferOffset: t.offset,
		Aspect:       t.obj.aspect,
		Level:        t.level,
		Origin:       t.box.Origin,
		Extent: gputypes.Extent3D{
			Width:              t.box.Extent.Width,
			Height:             max(t.box.Extent.Height, 1),
			DepthOrArrayLayers: max(t.box.Extent.DepthOrArrayLayers, 1),
		},
	}
}

// Map maps box of level for CPU access. Work the mapping depends on is recorded into, and
// waited for through, fctx. Mappings that cannot address the resource directly go through
// a staging buffer that Unmap copies back.
func (s *Screen) Map(ctx context.Context, fctx *fence.Context, res *Resource, level uint32, box Box, flags MapFlags) (*Transfer, error) {
	s.logger.Debug("Screen::Map")

	err := s.checkDeviceLost("mapping %s", res)
	if err != nil {
		return nil, err
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()

	if res.obj == nil {
		return nil, errors.Newf("mapping destroyed resource %s", res)
	}
	if int(level) >= int(res.template.Levels()) {
		return nil, errors.Wrapf(memutils.RangeError, "level %d of %s", level, res)
	}

	var t *Transfer
	if res.template.IsBuffer() {
		if box.x0() < 0 || box.Extent.Width == 0 || box.x1() > int(res.template.Width) {
			return nil, errors.Wrapf(memutils.RangeError, "map range [%d, %d) of %s", box.x0(), box.x1(), res)
		}
		t, err = s.mapBufferLocked(ctx, fctx, res, box, flags)
	} else {
		t, err = s.mapImageLocked(ctx, fctx, res, level, box, flags)
	}
	if err != nil {
		return nil, err
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "mapped resource",
		slog.String("resource", res.String()),
		slog.String("flags", t.flags.String()),
		slog.Bool("staged", t.staging != nil),
	)
	return t, nil
}

func (s *Screen) mapBufferLocked(ctx context.Context, fctx *fence.Context, res *Resource, box Box, flags MapFlags) (t *Transfer, err error) {
	t = &Transfer{
		resource: res,
		box:      box,
	}
	defer func() {
		if err != nil && t.staging != nil {
			t.staging.Release()
		}
	}()

	width := int(box.Extent.Width)

	// Writes to a range nothing has written can't race with the GPU
	if flags&MapUnsynchronized == 0 && flags&MapWrite != 0 && res.external == nil &&
		!res.validRange.Intersects(box.x0(), box.x1()) && !res.obj.HasPendingCopy(0, box) {
		flags |= MapUnsynchronized
	}

	if flags&MapDiscardRange != 0 && box.x0() == 0 && width == int(res.template.Width) {
		flags |= MapDiscardWholeResource
	}

	if flags&MapDiscardWholeResource != 0 && flags&MapUnsynchronized == 0 {
		replaced, err := s.invalidateLocked(res)
		if err != nil {
			return nil, err
		}
		if replaced {
			flags |= MapUnsynchronized
		} else {
			flags |= MapDiscardRange
		}
	}

	obj := res.obj
	t.obj = obj
	mapObj := obj
	mapOffset := box.x0()

	stage := func(usage Usage, readBack bool) error {
		t.offset = box.x0() % s.mapAlignment()
		staging, err := s.createStaging(width+t.offset, usage)
		if err != nil {
			return errors.Wrapf(err, "creating a staging buffer for %s", res)
		}
		t.staging = staging

		if readBack {
			err = s.copyBuffer(ctx, fctx, staging, obj, t.offset, box.x0(), width)
			if err != nil {
				return err
			}
		}

		mapObj = staging
		mapOffset = t.offset
		return nil
	}

	switch {
	case flags&MapDiscardRange != 0 && (!obj.hostVisible || flags&(MapUnsynchronized|MapPersistent) == 0):
		if !obj.hostVisible || s.hasUsage(obj) {
			// A write-only transfer through a fresh buffer never waits
			err = stage(UsageStaging, false)
			if err != nil {
				return nil, err
			}
		}
		flags |= MapUnsynchronized

	case flags&MapDontBlock != 0:
		if !obj.hostVisible || obj.state.Usage().IsBusy(s.tracker, fence.AccessWrite) {
			return nil, errors.Wrapf(fence.ErrWouldBlock, "mapping %s", res)
		}
		flags |= MapUnsynchronized

	case (flags&MapRead != 0 && flags&MapPersistent == 0 && !s.isStagingRAM(obj)) || !obj.hostVisible:
		err = stage(UsageStaging, flags&MapRead != 0)
		if err != nil {
			return nil, err
		}
		flags &^= MapUnsynchronized
	}

	if flags&MapUnsynchronized == 0 {
		usage := mapObj.state.Usage()
		if flags&MapWrite != 0 {
			if flags&MapRead == 0 && mapObj == obj && usage.IsUnflushed(fence.AccessRW) {
				// Waiting would flush work that is still being recorded, so write into a
				// staging buffer that is copied in after it instead
				err = stage(UsageStaging, false)
				if err != nil {
					return nil, err
				}
				usage = mapObj.state.Usage()
			}
			err = usage.Wait(ctx, s.tracker, fence.AccessRW)
		} else {
			err = usage.Wait(ctx, s.tracker, fence.AccessWrite)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "waiting to map %s", res)
		}

		mapObj.state.Reset(device.ImageLayoutUndefined)
		if mapObj == obj {
			obj.ResetCopies(&res.validRange)
		}
	}

	ptr, err := s.allocator.Map(mapObj.bo)
	if err != nil {
		return nil, err
	}
	t.mapped = mapObj.bo
	t.ptr = unsafe.Add(ptr, mapOffset)
	t.size = width
	t.stride = width
	t.layerStride = width

	err = s.flushOrInvalidate(mapObj, mapOffset, width, device.CacheOperationInvalidate)
	if err != nil {
		s.allocator.Unmap(mapObj.bo)
		return nil, err
	}

	t.flags = flags
	if flags&MapWrite != 0 {
		res.validRange.Add(box.x0(), box.x1())
	}
	return t, nil
}

func (s *Screen) isStagingRAM(obj *Object) bool {
	flags := s.allocator.MemoryProperties().MemoryTypeProperties(obj.bo.MemoryTypeIndex()).PropertyFlags
	return flags&stagingRAM == stagingRAM
}

func (s *Screen) mapImageLocked(ctx context.Context, fctx *fence.Context, res *Resource, level uint32, box Box, flags MapFlags) (t *Transfer, err error) {
	obj := res.obj
	t = &Transfer{
		resource: res,
		level:    level,
		box:      box,
		flags:    flags,
		obj:      obj,
	}
	defer func() {
		if err != nil && t.staging != nil {
			t.staging.Release()
		}
	}()

	extent := res.template.LevelExtent(level)
	if res.template.Dimension != gputypes.TextureDimension3D {
		extent.DepthOrArrayLayers = res.template.ArrayLayers()
	}
	if !(Box{Extent: extent}).Contains(box, 3) {
		return nil, errors.Wrapf(memutils.RangeError, "map box of level %d of %s", level, res)
	}

	block := blockOf(res.template.Format)
	depth := int(max(box.Extent.DepthOrArrayLayers, 1))

	if !obj.isLinear() || !obj.hostVisible {
		t.stride = block.rowStride(box.Extent.Width)
		t.layerStride = block.layerSize(box.Extent.Width, max(box.Extent.Height, 1))

		usage := UsageStream
		if flags&MapRead != 0 {
			usage = UsageStaging
		}
		t.staging, err = s.createStaging(t.layerStride*depth, usage)
		if err != nil {
			return nil, errors.Wrapf(err, "creating a staging buffer for %s", res)
		}

		if flags&MapRead != 0 {
			if obj.state.Usage().IsUnflushed(fence.AccessWrite) {
				err = obj.state.Usage().Wait(ctx, s.tracker, fence.AccessWrite)
				if err != nil {
					return nil, errors.Wrapf(err, "waiting to map %s", res)
				}
			}

			err = s.recordCopy(ctx, fctx, obj, t.staging, func(commands device.CommandBuffer) {
				commands.CopyImageToBuffer(obj.image, t.staging.buffer, t.bufferImageCopy())
			})
			if err != nil {
				return nil, err
			}

			err = fctx.Finish(ctx)
			if err != nil {
				return nil, errors.Wrapf(err, "waiting to map %s", res)
			}
		}

		ptr, err := s.allocator.Map(t.staging.bo)
		if err != nil {
			return nil, err
		}
		t.mapped = t.staging.bo
		t.ptr = ptr
		t.size = t.layerStride * depth

		err = s.flushOrInvalidate(t.staging, 0, t.size, device.CacheOperationInvalidate)
		if err != nil {
			s.allocator.Unmap(t.staging.bo)
			return nil, err
		}
	} else {
		if flags&MapUnsynchronized == 0 && s.hasUsage(obj) {
			access := fence.AccessWrite
			if flags&MapWrite != 0 {
				access = fence.AccessRW
			}
			err = obj.state.Usage().Wait(ctx, s.tracker, access)
			if err != nil {
				return nil, errors.Wrapf(err, "waiting to map %s", res)
			}
		}

		ptr, err := s.allocator.Map(obj.bo)
		if err != nil {
			return nil, err
		}

		layer := uint32(0)
		if res.template.Dimension != gputypes.TextureDimension3D {
			layer = box.Origin.Z
		}
		layout := s.device.SubresourceLayout(obj.image, obj.aspect, level, layer)
		t.stride = layout.RowPitch
		t.layerStride = layout.ArrayPitch
		if res.template.Dimension == gputypes.TextureDimension3D {
			t.layerStride = layout.DepthPitch
		}

		offset := layout.Offset +
			int(box.Origin.Y)/block.height*layout.RowPitch +
			int(box.Origin.X)/block.width*block.bytes
		if res.template.Dimension == gputypes.TextureDimension3D {
			offset += int(box.Origin.Z) * layout.DepthPitch
		}
		t.offset = offset
		t.mapped = obj.bo
		t.ptr = unsafe.Add(ptr, offset)
		t.size = obj.size - offset

		if flags&MapRead != 0 {
			err = s.flushOrInvalidate(obj, offset, t.layerStride*depth, device.CacheOperationInvalidate)
			if err != nil {
				s.allocator.Unmap(obj.bo)
				return nil, err
			}
		}
	}

	if flags&MapWrite != 0 {
		res.valid = true
	}
	return t, nil
}

// FlushRegion makes CPU writes to box, relative to the mapped region, visible to the GPU.
// Mappings through a staging buffer copy the region back into the resource.
func (s *Screen) FlushRegion(ctx context.Context, fctx *fence.Context, t *Transfer, box Box) error {
	s.logger.Debug("Screen::FlushRegion")

	t.resource.mutex.Lock()
	defer t.resource.mutex.Unlock()

	return s.flushRegionLocked(ctx, fctx, t, box)
}

func (s *Screen) flushRegionLocked(ctx context.Context, fctx *fence.Context, t *Transfer, box Box) error {
	if t.flags&MapWrite == 0 {
		return nil
	}

	res := t.resource
	written := t.obj
	if t.staging != nil {
		written = t.staging
	}

	err := s.flushOrInvalidate(written, 0, written.size, device.CacheOperationFlush)
	if err != nil {
		return err
	}

	if t.staging == nil {
		return nil
	}

	dst := res.obj
	if dst == nil {
		return errors.Newf("flushing a mapping of destroyed resource %s", res)
	}

	if res.template.IsBuffer() {
		return s.copyBuffer(ctx, fctx, dst, t.staging, t.box.x0()+box.x0(), t.offset+box.x0(), int(box.Extent.Width))
	}

	err = s.recordCopy(ctx, fctx, t.staging, dst, func(commands device.CommandBuffer) {
		commands.CopyBufferToImage(t.staging.buffer, dst.image, t.bufferImageCopy())
	})
	if err != nil {
		return err
	}
	dst.AddCopyBox(t.level, t.box)
	return nil
}

// Unmap ends a mapping. Unless the mapping was coherent or flushed explicitly, the whole
// region is flushed first.
func (s *Screen) Unmap(ctx context.Context, fctx *fence.Context, t *Transfer) error {
	s.logger.Debug("Screen::Unmap")

	t.resource.mutex.Lock()
	defer t.resource.mutex.Unlock()

	var err error
	if t.flags&(MapFlushExplicit|MapCoherent) == 0 {
		err = s.flushRegionLocked(ctx, fctx, t, Box{Extent: t.box.Extent})
	}

	s.allocator.Unmap(t.mapped)
	if t.staging != nil {
		t.staging.Release()
		t.staging = nil
	}
	t.ptr = nil

	return err
}
