package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/gallium/device"
)

// ViewKey identifies a view of an object. A zero Format uses the object's own format, and
// zero counts cover every remaining level or layer. Buffer views use Offset and Size, with
// a zero Size covering the rest of the buffer.
type ViewKey struct {
	Format         gputypes.TextureFormat
	Dimension      gputypes.TextureViewDimension
	Aspect         gputypes.TextureAspect
	BaseMipLevel   uint32
	MipLevelCount  uint32
	BaseArrayLayer uint32
	LayerCount     uint32

	Offset int
	Size   int
}

func (o *Object) viewInfo(key ViewKey) (device.ViewCreateInfo, error) {
	format := key.Format
	if format == gputypes.TextureFormatUndefined {
		format = o.template.Format
	}

	if o.buffer != 0 {
		size := key.Size
		if size == 0 {
			size = o.size - key.Offset
		}
		if key.Offset < 0 || size <= 0 || key.Offset+size > o.size {
			return device.ViewCreateInfo{}, errors.Newf("view range [%d, %d) is outside a %d byte buffer", key.Offset, key.Offset+size, o.size)
		}
		return device.ViewCreateInfo{
			Buffer: o.buffer,
			Format: format,
			Offset: key.Offset,
			Size:   size,
		}, nil
	}

	levels := o.imageInfo.MipLevels
	layers := o.imageInfo.ArrayLayers
	if key.BaseMipLevel >= levels || key.BaseArrayLayer >= layers {
		return device.ViewCreateInfo{}, errors.Newf("view base level %d layer %d is outside an image of %d levels and %d layers", key.BaseMipLevel, key.BaseArrayLayer, levels, layers)
	}

	levelCount := key.MipLevelCount
	if levelCount == 0 {
		levelCount = levels - key.BaseMipLevel
	}
	layerCount := key.LayerCount
	if layerCount == 0 {
		layerCount = layers - key.BaseArrayLayer
	}
	if key.BaseMipLevel+levelCount > levels || key.BaseArrayLayer+layerCount > layers {
		return device.ViewCreateInfo{}, errors.Newf("view of %d levels and %d layers overruns the image", levelCount, layerCount)
	}

	aspect := key.Aspect
	if aspect == gputypes.TextureAspectUndefined {
		aspect = o.aspect
	}

	dimension := key.Dimension
	if dimension == gputypes.TextureViewDimensionUndefined {
		dimension = defaultViewDimension(o.template.Dimension, layerCount)
	}

	return device.ViewCreateInfo{
		Image:     o.image,
		Format:    format,
		Dimension: dimension,
		Range: gputypes.ImageSubresourceRange{
			Aspect:          aspect,
			BaseMipLevel:    key.BaseMipLevel,
			MipLevelCount:   &levelCount,
			BaseArrayLayer:  key.BaseArrayLayer,
			ArrayLayerCount: &layerCount,
		},
	}, nil
}

func defaultViewDimension(dimension gputypes.TextureDimension, layers uint32) gputypes.TextureViewDimension {
	switch dimension {
	case gputypes.TextureDimension1D:
		return gputypes.TextureViewDimension1D
	case gputypes.TextureDimension3D:
		return gputypes.TextureViewDimension3D
	}
	if layers > 1 {
		return gputypes.TextureViewDimension2DArray
	}
	return gputypes.TextureViewDimension2D
}

// View returns the object's view for key, creating it the first time it is asked for.
// Views live until the object is destroyed.
func (o *Object) View(key ViewKey) (device.ViewHandle, error) {
	o.viewMutex.Lock()
	defer o.viewMutex.Unlock()

	view, ok := o.views.Get(key)
	if ok {
		return view, nil
	}

	info, err := o.viewInfo(key)
	if err != nil {
		return 0, err
	}

	view, _, err = o.screen.device.CreateView(info)
	if err != nil {
		return 0, errors.Wrapf(err, "creating a view of %s", o)
	}

	o.views.Put(key, view)
	return view, nil
}

// ViewCount returns the number of cached views
func (o *Object) ViewCount() int {
	o.viewMutex.Lock()
	defer o.viewMutex.Unlock()

	return o.views.Count()
}

func (o *Object) destroyViews() {
	o.viewMutex.Lock()
	defer o.viewMutex.Unlock()

	o.views.Iter(func(_ ViewKey, view device.ViewHandle) bool {
		o.screen.device.DestroyView(view)
		return false
	})
	o.views = swiss.NewMap[ViewKey, device.ViewHandle](4)
}
