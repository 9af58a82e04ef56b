package resource

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/internal/utils"
	"github.com/vkngwrapper/gallium/memutils"
	"golang.org/x/exp/slog"
)

// Resource is a buffer or texture as its users see it. The Object behind it may be replaced
// when the resource is rebound with new usage or its contents are discarded.
type Resource struct {
	screen   *Screen
	external *device.ExternalMemory

	mutex    utils.OptionalMutex
	template Template
	obj      *Object
	// validRange covers the bytes of a buffer that have been written
	validRange Range
	// valid is set once an image has been written from the CPU
	valid bool
}

// CreateResource makes a resource from tmpl. A non-nil external imports or exports the
// resource's memory, which is then never sub-allocated.
func (s *Screen) CreateResource(tmpl Template, external *device.ExternalMemory) (*Resource, error) {
	s.logger.Debug("Screen::CreateResource")

	err := s.checkDeviceLost("creating a resource")
	if err != nil {
		return nil, err
	}

	obj, err := s.createObject(&tmpl, external)
	if err != nil {
		return nil, err
	}

	return &Resource{
		screen:   s,
		external: external,
		mutex:    utils.OptionalMutex{UseMutex: s.useMutex},
		template: tmpl,
		obj:      obj,
	}, nil
}

// DestroyResource drops the resource's reference to its object. Batches still using the
// object keep it alive until they complete.
func (s *Screen) DestroyResource(res *Resource) {
	s.logger.Debug("Screen::DestroyResource")

	res.mutex.Lock()
	defer res.mutex.Unlock()

	if res.obj != nil {
		res.obj.Release()
		res.obj = nil
	}
}

func (r *Resource) Template() Template {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.template
}

// Object returns the object currently backing the resource
func (r *Resource) Object() *Object {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.obj
}

// ValidRange returns the bytes of a buffer that have been written
func (r *Resource) ValidRange() Range {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.validRange
}

// IsValid reports whether an image has been written from the CPU since it was created or
// invalidated
func (r *Resource) IsValid() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.valid
}

func (r *Resource) String() string {
	return r.template.String()
}

// hasUsage reports whether any batch that has not completed uses obj
func (s *Screen) hasUsage(obj *Object) bool {
	return obj.state.Usage().IsBusy(s.tracker, fence.AccessRW)
}

// Rebind gives the resource's image the additional usage in bind. The contents move to a
// new object through copies recorded into fctx's current batch, and the old object lives
// on until the batches using it complete. Buffers are created with every usage and need no
// rebind.
func (s *Screen) Rebind(ctx context.Context, fctx *fence.Context, res *Resource, bind Bind) error {
	s.logger.Debug("Screen::Rebind")

	err := s.checkDeviceLost("rebinding %s", res)
	if err != nil {
		return err
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()

	if res.template.IsBuffer() {
		res.template.BufferUsage |= bind.Buffer
		return nil
	}
	if res.template.TextureUsage&bind.Texture == bind.Texture {
		return nil
	}
	if res.external != nil {
		return errors.Newf("cannot rebind %s: its memory is shared", res)
	}

	tmpl := res.template
	tmpl.TextureUsage |= bind.Texture

	newObj, err := s.createObject(&tmpl, nil)
	if err != nil {
		return errors.Wrapf(err, "rebinding %s", res)
	}

	old := res.obj
	err = s.recordCopy(ctx, fctx, old, newObj, func(commands device.CommandBuffer) {
		for level := uint32(0); level < tmpl.Levels(); level++ {
			commands.CopyImage(old.image, newObj.image, device.ImageCopy{
				Aspect:   old.aspect,
				SrcLevel: level,
				DstLevel: level,
				Extent:   rebindExtent(&tmpl, level),
			})
		}
	})
	if err != nil {
		newObj.Release()
		return errors.Wrapf(err, "rebinding %s", res)
	}

	for level := uint32(0); level < tmpl.Levels(); level++ {
		newObj.AddCopyBox(level, Box{Extent: rebindExtent(&tmpl, level)})
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "rebound resource",
		slog.String("resource", res.String()),
		slog.String("from", old.String()),
		slog.String("to", newObj.String()),
	)

	res.template = tmpl
	res.obj = newObj
	old.Release()
	return nil
}

// rebindExtent is the region of a level copied by Rebind, covering every array layer
func rebindExtent(tmpl *Template, level uint32) gputypes.Extent3D {
	extent := tmpl.LevelExtent(level)
	if tmpl.Dimension != gputypes.TextureDimension3D {
		extent.DepthOrArrayLayers = tmpl.ArrayLayers()
	}
	return extent
}

// InvalidateBuffer discards a buffer's contents. When the GPU may still be using the
// buffer, a new object replaces it so the CPU can write without waiting. It returns true
// when the object was replaced.
func (s *Screen) InvalidateBuffer(res *Resource) (bool, error) {
	s.logger.Debug("Screen::InvalidateBuffer")

	err := s.checkDeviceLost("invalidating %s", res)
	if err != nil {
		return false, err
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()

	return s.invalidateLocked(res)
}

func (s *Screen) invalidateLocked(res *Resource) (bool, error) {
	if !res.template.IsBuffer() {
		res.valid = false
		return false, nil
	}
	if res.template.Flags&FlagSparse != 0 {
		return false, nil
	}

	whole := BufferBox(0, int(res.template.Width))
	if res.validRange.IsEmpty() && !res.obj.CopyBoxIntersects(0, whole) {
		return false, nil
	}

	res.validRange = Range{}
	if !s.hasUsage(res.obj) {
		return false, nil
	}

	newObj, err := s.createObject(&res.template, res.external)
	if err != nil {
		return false, errors.Wrapf(err, "invalidating %s", res)
	}

	old := res.obj
	res.obj = newObj
	old.Release()
	return true, nil
}

// sparseRanges returns the byte ranges of a sparse object that hold box of level. A box
// spanning whole rows is one range per slice; a narrower box is clipped to its block
// columns in every block row it touches.
func (s *Screen) sparseRanges(res *Resource, level uint32, box Box) []Range {
	if res.template.IsBuffer() {
		return []Range{{Start: box.x0(), End: box.x1()}}
	}

	block := blockOf(res.template.Format)
	levelWidth := int(res.template.LevelExtent(level).Width)
	firstRow := box.y0() / block.height
	endRow := memutils.DivRoundUp(box.y1(), block.height)
	firstColumn := box.x0() / block.width * block.bytes
	endColumn := memutils.DivRoundUp(box.x1(), block.width) * block.bytes
	wholeRows := box.x0() == 0 && box.x1() >= levelWidth

	var ranges []Range
	obj := res.obj
	for z := box.z0(); z < box.z1(); z++ {
		layer := uint32(0)
		if res.template.Dimension != gputypes.TextureDimension3D {
			layer = uint32(z)
		}

		layout := s.device.SubresourceLayout(obj.image, obj.aspect, level, layer)
		base := layout.Offset
		if res.template.Dimension == gputypes.TextureDimension3D {
			base += z * layout.DepthPitch
		}

		if wholeRows {
			ranges = append(ranges, Range{Start: base + firstRow*layout.RowPitch, End: base + endRow*layout.RowPitch})
			continue
		}
		for row := firstRow; row < endRow; row++ {
			rowStart := base + row*layout.RowPitch
			ranges = append(ranges, Range{Start: rowStart + firstColumn, End: rowStart + endColumn})
		}
	}
	return ranges
}

// SparseCommit commits or decommits the pages of a sparse resource that hold box of level.
// Commits round outward to whole pages and decommits round inward, so a decommit never
// takes away a page that holds data outside the box.
func (s *Screen) SparseCommit(res *Resource, level uint32, box Box, commit bool) error {
	s.logger.Debug("Screen::SparseCommit")

	res.mutex.Lock()
	defer res.mutex.Unlock()

	err := s.checkDeviceLost("committing pages of %s", res)
	if err != nil {
		return err
	}

	obj := res.obj
	if !obj.IsSparse() {
		return errors.Newf("%s is not sparse", res)
	}

	pageSize := uint(s.allocator.SparsePageSize())
	boSize := obj.bo.Size()

	for _, r := range s.sparseRanges(res, level, box) {
		var start, end int
		if commit {
			start = memutils.AlignDown(r.Start, pageSize)
			end = min(memutils.AlignUp(r.End, pageSize), boSize)
		} else {
			start = memutils.AlignUp(r.Start, pageSize)
			end = memutils.AlignDown(r.End, pageSize)
			if r.End >= obj.size {
				end = boSize
			}
		}
		if end <= start {
			continue
		}

		err := s.allocator.SparseCommit(obj.bo, start, end-start, commit)
		if err != nil {
			return errors.Wrapf(err, "committing pages of %s", res)
		}
	}

	return nil
}
