package resource

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/barrier"
	"github.com/vkngwrapper/gallium/bo"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/internal/utils"
	"golang.org/x/exp/slog"
)

// bufferMemoryFlags picks the memory properties a buffer is placed in
func bufferMemoryFlags(tmpl *Template) core1_0.MemoryPropertyFlags {
	var flags core1_0.MemoryPropertyFlags

	switch tmpl.Usage {
	case UsageStaging:
		flags = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached
	case UsageStream:
		flags = core1_0.MemoryPropertyHostVisible
	case UsageImmutable:
		flags = core1_0.MemoryPropertyDeviceLocal
	default:
		flags = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyDeviceLocal
	}

	if tmpl.Flags&FlagSparse != 0 {
		return core1_0.MemoryPropertyDeviceLocal
	}
	if tmpl.Flags&FlagMapCoherent != 0 || tmpl.Usage == UsageDynamic {
		flags |= core1_0.MemoryPropertyHostCoherent
	}
	return flags
}

// imageMemoryFlags picks the memory properties an image is placed in
func imageMemoryFlags(tmpl *Template, tiling device.Tiling) core1_0.MemoryPropertyFlags {
	flags := core1_0.MemoryPropertyDeviceLocal

	switch {
	case tmpl.Flags&FlagSparse != 0:
		return flags
	case tmpl.Flags&FlagTransient != 0:
		return flags | core1_0.MemoryPropertyLazilyAllocated
	case tmpl.Usage == UsageStaging && tiling == device.TilingLinear:
		flags = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached
	}

	if tmpl.Flags&FlagMapCoherent != 0 || tmpl.Usage == UsageDynamic {
		flags |= core1_0.MemoryPropertyHostCoherent
	}
	return flags
}

// linearAllowed reports whether an image may fall back to linear tiling
func linearAllowed(tmpl *Template) bool {
	return tmpl.Dimension == gputypes.TextureDimension2D &&
		tmpl.Levels() == 1 &&
		tmpl.ArrayLayers() == 1 &&
		max(tmpl.Samples, 1) == 1 &&
		tmpl.Flags&(FlagSparse|FlagTransient) == 0
}

func tilingsFor(tmpl *Template) []device.Tiling {
	if tmpl.Flags&FlagLinear != 0 || tmpl.Usage == UsageStaging {
		return []device.Tiling{device.TilingLinear}
	}

	var tilings []device.Tiling
	if len(tmpl.Modifiers) > 0 {
		tilings = append(tilings, device.TilingDRMModifier)
	}
	tilings = append(tilings, device.TilingOptimal)
	if linearAllowed(tmpl) {
		tilings = append(tilings, device.TilingLinear)
	}
	return tilings
}

func baseImageInfo(tmpl *Template, external *device.ExternalMemory) device.ImageCreateInfo {
	extent := tmpl.Extent()
	layers := tmpl.ArrayLayers()
	if tmpl.Dimension != gputypes.TextureDimension3D {
		extent.DepthOrArrayLayers = 1
	}

	return device.ImageCreateInfo{
		Dimension:   tmpl.Dimension,
		Format:      tmpl.Format,
		Extent:      extent,
		MipLevels:   tmpl.Levels(),
		ArrayLayers: layers,
		Samples:     max(tmpl.Samples, 1),
		Mutable:     tmpl.Flags&FlagMutable != 0,
		CubeCompatible: tmpl.Dimension == gputypes.TextureDimension2D &&
			layers >= 6 && layers%6 == 0 && extent.Width == extent.Height,
		Sparse:   tmpl.Flags&FlagSparse != 0,
		External: external,
	}
}

// chooseImageInfo walks tiling from modifier to optimal to linear, and for each tiling
// backs the usage off, first by allowing extended usage and then by dropping attachment
// bits nobody asked for, until the device accepts a combination
func (s *Screen) chooseImageInfo(tmpl *Template, external *device.ExternalMemory) (device.ImageCreateInfo, error) {
	usage, optional := imageUsageFlags(tmpl.Format, tmpl.TextureUsage, tmpl.Flags&FlagTransient != 0)
	base := baseImageInfo(tmpl, external)

	type attempt struct {
		usage    core1_0.ImageUsageFlags
		extended bool
	}
	attempts := []attempt{{usage, false}, {usage, true}}
	if optional != 0 {
		attempts = append(attempts, attempt{usage &^ optional, false}, attempt{usage &^ optional, true})
	}

	try := func(info device.ImageCreateInfo) (device.ImageCreateInfo, bool) {
		for _, a := range attempts {
			candidate := info
			candidate.Usage = a.usage
			if a.extended {
				candidate.ExtendedUsage = true
				candidate.Mutable = true
			}
			if s.device.ImageFormatSupported(candidate) {
				return candidate, true
			}
		}
		return info, false
	}

	for _, tiling := range tilingsFor(tmpl) {
		info := base
		info.Tiling = tiling

		if tiling == device.TilingDRMModifier {
			for _, modifier := range tmpl.Modifiers {
				info.Modifier = modifier
				chosen, ok := try(info)
				if ok {
					return chosen, nil
				}
			}
			continue
		}

		chosen, ok := try(info)
		if ok {
			return chosen, nil
		}
	}

	return device.ImageCreateInfo{}, errors.Wrapf(ErrCapabilityMismatch, "creating %s", tmpl)
}

// chooseHeap demotes the heap for flags until one of its memory types is allowed by
// typeBits
func (s *Screen) chooseHeap(flags core1_0.MemoryPropertyFlags, sparse bool, typeBits uint32) (device.Heap, error) {
	heapMap := s.allocator.MemoryProperties().HeapMap()
	wantCoherent := flags&core1_0.MemoryPropertyHostCoherent != 0

	heap := device.HeapFromFlags(flags, sparse)
	for len(heapMap.Types(heap, typeBits)) == 0 {
		next, ok := device.Demote(heap, wantCoherent)
		if !ok {
			return heap, errors.Newf("no memory type allowed by type bits %#x can serve %s", typeBits, heap)
		}
		heap = next
	}

	return heap, nil
}

// allocate places an object's memory. Allocations from the device-local visible window
// that fail are retried once from the heap it demotes to.
func (s *Screen) allocate(reqs core1_0.MemoryRequirements, flags core1_0.MemoryPropertyFlags, tmpl *Template, external *device.ExternalMemory) (*bo.BO, error) {
	sparse := tmpl.Flags&FlagSparse != 0

	alignment := max(reqs.Alignment, minResourceAlignment)
	if tmpl.IsBuffer() && tmpl.Usage == UsageStaging {
		alignment = max(alignment, s.minMapAlignment)
	}

	var boFlags bo.CreateFlags
	if sparse {
		boFlags |= bo.CreateSparse
	}
	if external != nil {
		boFlags |= bo.CreateNoSuballoc
	}

	heap, err := s.chooseHeap(flags, sparse, reqs.MemoryTypeBits)
	if err != nil {
		return nil, err
	}

	req := bo.Request{
		Size:           reqs.Size,
		Alignment:      alignment,
		Heap:           heap,
		Flags:          boFlags,
		MemoryTypeBits: reqs.MemoryTypeBits,
		External:       external,
	}
	allocated, err := s.allocator.CreateWithRequest(req)
	if err != nil && heap == device.HeapDeviceLocalVisible {
		req.Heap, _ = device.Demote(heap, flags&core1_0.MemoryPropertyHostCoherent != 0)
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "device-local visible allocation failed, demoting",
			slog.String("heap", req.Heap.String()),
			slog.Int("size", req.Size),
		)
		allocated, err = s.allocator.CreateWithRequest(req)
	}
	if err != nil {
		return nil, err
	}

	return allocated, nil
}

// createObject makes the handle and memory for tmpl and binds them together
func (s *Screen) createObject(tmpl *Template, external *device.ExternalMemory) (obj *Object, err error) {
	s.logger.Debug("Screen::createObject")

	obj = &Object{
		screen:    s,
		template:  *tmpl,
		viewMutex: utils.OptionalMutex{UseMutex: s.useMutex},
		views:     swiss.NewMap[ViewKey, device.ViewHandle](4),
		copyMutex: utils.OptionalMutex{UseMutex: s.useMutex},
		copies:    make([][]Box, tmpl.Levels()),
	}
	obj.refCount.Init()

	var reqs core1_0.MemoryRequirements
	var flags core1_0.MemoryPropertyFlags

	if tmpl.IsBuffer() {
		if tmpl.Width == 0 {
			return nil, errors.New("buffers must have a nonzero width")
		}

		obj.bufferUsage = bufferUsageFlags(tmpl.BufferUsage)
		obj.buffer, _, err = s.device.CreateBuffer(device.BufferCreateInfo{
			Size:     int(tmpl.Width),
			Usage:    obj.bufferUsage,
			Sparse:   tmpl.Flags&FlagSparse != 0,
			External: external,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating %s", tmpl)
		}
		defer func() {
			if err != nil {
				s.device.DestroyBuffer(obj.buffer)
			}
		}()

		reqs = s.device.BufferMemoryRequirements(obj.buffer)
		flags = bufferMemoryFlags(tmpl)
		obj.size = int(tmpl.Width)
	} else {
		obj.imageInfo, err = s.chooseImageInfo(tmpl, external)
		if err != nil {
			return nil, err
		}

		obj.image, _, err = s.device.CreateImage(obj.imageInfo)
		if err != nil {
			return nil, errors.Wrapf(err, "creating %s", tmpl)
		}
		defer func() {
			if err != nil {
				s.device.DestroyImage(obj.image)
			}
		}()

		reqs = s.device.ImageMemoryRequirements(obj.image)
		flags = imageMemoryFlags(tmpl, obj.imageInfo.Tiling)
		obj.aspect = aspectForFormat(tmpl.Format)
		obj.size = reqs.Size
	}

	obj.bo, err = s.allocate(reqs, flags, tmpl, external)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating memory for %s", tmpl)
	}
	defer func() {
		if err != nil {
			obj.bo.Release()
		}
	}()

	memory := s.allocator.MemoryProperties()
	if obj.bo.CanMap() {
		obj.hostVisible = true
		obj.coherent = !memory.IsMemoryTypeHostNonCoherent(obj.bo.MemoryTypeIndex())
	}

	switch {
	case obj.bo.CanCommit():
		obj.bo.SetSparseTarget(device.SparseTarget{Buffer: obj.buffer, Image: obj.image})
	case obj.buffer != 0:
		_, err = obj.bo.BindBuffer(obj.buffer)
	default:
		_, err = obj.bo.BindImage(obj.image)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "binding memory for %s", tmpl)
	}

	obj.state = s.engine.NewState(barrier.StateOptions{
		Buffer: obj.buffer,
		Image:  obj.image,
		Aspect: obj.aspect,
		Usage:  obj.bo.Usage(),
		Owner:  obj,
	})
	obj.resetLayout()

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "created object",
		slog.String("template", tmpl.String()),
		slog.String("object", obj.String()),
	)

	return obj, nil
}
