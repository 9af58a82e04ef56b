package resource

import (
	"context"
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/barrier"
	"github.com/vkngwrapper/gallium/bo"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/internal/utils"
	"golang.org/x/exp/slog"
)

// Object is the device side of a resource: one buffer or image handle and the BO bound to
// it. A resource swaps its Object when it is rebound or invalidated, and batches that used
// the old Object keep it alive until they complete.
type Object struct {
	screen   *Screen
	refCount utils.RefCount
	template Template

	bo     *bo.BO
	buffer device.BufferHandle
	image  device.ImageHandle
	aspect gputypes.TextureAspect

	bufferUsage core1_0.BufferUsageFlags
	imageInfo   device.ImageCreateInfo
	hostVisible bool
	coherent    bool
	// size is the number of bytes the resource's contents occupy in the BO
	size int

	state *barrier.State

	viewMutex utils.OptionalMutex
	views     *swiss.Map[ViewKey, device.ViewHandle]

	copyMutex    utils.OptionalMutex
	copies       [][]Box
	copiesValid  bool
	copiesWarned bool
}

var _ barrier.Retainable = &Object{}

func (o *Object) BO() *bo.BO {
	return o.bo
}

func (o *Object) Buffer() device.BufferHandle {
	return o.buffer
}

func (o *Object) Image() device.ImageHandle {
	return o.image
}

// State returns the object's access state in the synchronization engine
func (o *Object) State() *barrier.State {
	return o.state
}

// Tiling is the image tiling the object was created with. Buffers report linear.
func (o *Object) Tiling() device.Tiling {
	if o.image == 0 {
		return device.TilingLinear
	}
	return o.imageInfo.Tiling
}

// Modifier is the DRM format modifier of a TilingDRMModifier image
func (o *Object) Modifier() uint64 {
	return o.imageInfo.Modifier
}

// ImageInfo returns the create info an image object was created with
func (o *Object) ImageInfo() device.ImageCreateInfo {
	return o.imageInfo
}

// BufferUsage returns the usage a buffer object was created with
func (o *Object) BufferUsage() core1_0.BufferUsageFlags {
	return o.bufferUsage
}

func (o *Object) IsHostVisible() bool {
	return o.hostVisible
}

func (o *Object) IsCoherent() bool {
	return o.coherent
}

func (o *Object) Size() int {
	return o.size
}

func (o *Object) IsSparse() bool {
	return o.bo.CanCommit()
}

// isLinear reports whether the CPU can address the object's texels directly
func (o *Object) isLinear() bool {
	return o.Tiling() == device.TilingLinear
}

func (o *Object) RefCount() int {
	return o.refCount.Count()
}

func (o *Object) Ref() {
	o.refCount.Ref()
}

// Release drops one reference. The last one destroys the object's views and handle and
// releases its BO.
func (o *Object) Release() {
	if !o.refCount.Unref() {
		return
	}

	o.screen.logger.LogAttrs(context.Background(), slog.LevelDebug, "Object::Release destroying object",
		slog.String("object", o.String()),
	)

	o.destroyViews()
	if o.buffer != 0 {
		o.screen.device.DestroyBuffer(o.buffer)
		o.buffer = 0
	}
	if o.image != 0 {
		o.screen.device.DestroyImage(o.image)
		o.image = 0
	}
	if o.bo != nil {
		o.bo.Release()
		o.bo = nil
	}
}

// resetLayout forgets every access the object has seen. Images go back to the layout they
// were created in.
func (o *Object) resetLayout() {
	layout := device.ImageLayoutUndefined
	if o.image != 0 && o.imageInfo.Tiling == device.TilingLinear && o.hostVisible {
		layout = device.ImageLayoutPreinitialized
	}
	o.state.Reset(layout)
}

func (o *Object) String() string {
	if o.image != 0 {
		return fmt.Sprintf("Image(%d, %s, %s)", o.image, o.imageInfo.Tiling, o.bo)
	}
	return fmt.Sprintf("Buffer(%d, %d bytes, %s)", o.buffer, o.size, o.bo)
}
