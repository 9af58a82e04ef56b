package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Template describes a resource to create. A Dimension of TextureDimensionUndefined makes a
// buffer of Width bytes.
type Template struct {
	Dimension          gputypes.TextureDimension
	Format             gputypes.TextureFormat
	Width              uint32
	Height             uint32
	DepthOrArrayLayers uint32
	MipLevels          uint32
	Samples            uint32

	BufferUsage  gputypes.BufferUsage
	TextureUsage gputypes.TextureUsage
	Usage        Usage
	Flags        TemplateFlags

	// Modifiers lists the DRM format modifiers an image may be created with, in order of
	// preference. Empty skips modifier tiling.
	Modifiers []uint64
}

func (t *Template) IsBuffer() bool {
	return t.Dimension == gputypes.TextureDimensionUndefined
}

func (t *Template) Extent() gputypes.Extent3D {
	return gputypes.Extent3D{
		Width:              max(t.Width, 1),
		Height:             max(t.Height, 1),
		DepthOrArrayLayers: max(t.DepthOrArrayLayers, 1),
	}
}

// Levels returns the number of mip levels, at least one
func (t *Template) Levels() uint32 {
	return max(t.MipLevels, 1)
}

// ArrayLayers returns the number of array layers. 3D textures have one.
func (t *Template) ArrayLayers() uint32 {
	if t.Dimension == gputypes.TextureDimension3D {
		return 1
	}
	return max(t.DepthOrArrayLayers, 1)
}

// LevelExtent returns the size of a mip level
func (t *Template) LevelExtent(level uint32) gputypes.Extent3D {
	extent := t.Extent()
	extent.Width = max(extent.Width>>level, 1)
	if t.Dimension != gputypes.TextureDimension1D {
		extent.Height = max(extent.Height>>level, 1)
	}
	if t.Dimension == gputypes.TextureDimension3D {
		extent.DepthOrArrayLayers = max(extent.DepthOrArrayLayers>>level, 1)
	}
	return extent
}

func (t *Template) String() string {
	if t.IsBuffer() {
		return fmt.Sprintf("Buffer(%d bytes, %s)", t.Width, t.Usage)
	}
	return fmt.Sprintf("Texture(%s %s %dx%dx%d, %d levels, %s)", t.Dimension, t.Format, t.Width, t.Height, t.DepthOrArrayLayers, t.Levels(), t.Usage)
}

// Bind lists usage added to an existing resource with Screen.Rebind
type Bind struct {
	Buffer  gputypes.BufferUsage
	Texture gputypes.TextureUsage
}

func bufferUsageFlags(usage gputypes.BufferUsage) core1_0.BufferUsageFlags {
	// Everything a generic buffer may be bound as, so rebinding buffers is rarely needed
	flags := core1_0.BufferUsageTransferSrc |
		core1_0.BufferUsageTransferDst |
		core1_0.BufferUsageStorageBuffer |
		core1_0.BufferUsageUniformTexelBuffer |
		core1_0.BufferUsageIndirectBuffer |
		core1_0.BufferUsageVertexBuffer |
		core1_0.BufferUsageIndexBuffer |
		core1_0.BufferUsageUniformBuffer

	if usage.Contains(gputypes.BufferUsageStorage) {
		flags |= core1_0.BufferUsageStorageTexelBuffer
	}
	return flags
}

// imageUsageFlags returns the usage the image is created with and the attachment bits
// among them that were not asked for and may be dropped to find a supported combination
func imageUsageFlags(format gputypes.TextureFormat, usage gputypes.TextureUsage, transient bool) (flags core1_0.ImageUsageFlags, optional core1_0.ImageUsageFlags) {
	flags = core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled

	attachment := core1_0.ImageUsageColorAttachment
	if format.IsDepthStencil() {
		attachment = core1_0.ImageUsageDepthStencilAttachment
	}
	flags |= attachment
	if !usage.Contains(gputypes.TextureUsageRenderAttachment) {
		optional = attachment
	}

	if usage.Contains(gputypes.TextureUsageStorageBinding) {
		flags |= core1_0.ImageUsageStorage
	}
	if transient {
		flags = core1_0.ImageUsageTransientAttachment | attachment
		optional = 0
	}
	return flags, optional
}

// aspectForFormat picks the aspect barriers and copies of a format address
func aspectForFormat(format gputypes.TextureFormat) gputypes.TextureAspect {
	switch {
	case format.HasDepth() && format.HasStencil():
		return gputypes.TextureAspectAll
	case format.HasDepth():
		return gputypes.TextureAspectDepthOnly
	case format.HasStencil():
		return gputypes.TextureAspectStencilOnly
	}
	return gputypes.TextureAspectAll
}

// Box is a region of a resource. For buffers only X and Width are used.
type Box struct {
	Origin gputypes.Origin3D
	Extent gputypes.Extent3D
}

// BufferBox addresses size bytes at offset
func BufferBox(offset, size int) Box {
	return Box{
		Origin: gputypes.Origin3D{X: uint32(offset)},
		Extent: gputypes.Extent3D{Width: uint32(size), Height: 1, DepthOrArrayLayers: 1},
	}
}

func (b Box) x0() int { return int(b.Origin.X) }
func (b Box) y0() int { return int(b.Origin.Y) }
func (b Box) z0() int { return int(b.Origin.Z) }
func (b Box) x1() int { return int(b.Origin.X + b.Extent.Width) }
func (b Box) y1() int { return int(b.Origin.Y + max(b.Extent.Height, 1)) }
func (b Box) z1() int { return int(b.Origin.Z + max(b.Extent.DepthOrArrayLayers, 1)) }

// dimensions returns how many axes matter when comparing boxes of a resource
func dimensions(tmpl *Template) int {
	switch tmpl.Dimension {
	case gputypes.TextureDimensionUndefined, gputypes.TextureDimension1D:
		return 1
	case gputypes.TextureDimension2D:
		if tmpl.ArrayLayers() > 1 {
			return 3
		}
		return 2
	}
	return 3
}

// Contains reports whether other lies within b along the first dims axes
func (b Box) Contains(other Box, dims int) bool {
	if other.x0() < b.x0() || other.x1() > b.x1() {
		return false
	}
	if dims > 1 && (other.y0() < b.y0() || other.y1() > b.y1()) {
		return false
	}
	if dims > 2 && (other.z0() < b.z0() || other.z1() > b.z1()) {
		return false
	}
	return true
}

// Intersects reports whether b and other overlap along the first dims axes
func (b Box) Intersects(other Box, dims int) bool {
	if b.x1() <= other.x0() || other.x1() <= b.x0() {
		return false
	}
	if dims > 1 && (b.y1() <= other.y0() || other.y1() <= b.y0()) {
		return false
	}
	if dims > 2 && (b.z1() <= other.z0() || other.z1() <= b.z0()) {
		return false
	}
	return true
}

// Range is a half-open byte range. A range whose End is not past its Start is empty.
type Range struct {
	Start int
	End   int
}

func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

// Add grows r to cover [start, end)
func (r *Range) Add(start, end int) {
	if start >= end {
		return
	}
	if r.IsEmpty() {
		r.Start, r.End = start, end
		return
	}
	r.Start = min(r.Start, start)
	r.End = max(r.End, end)
}

func (r Range) Intersects(start, end int) bool {
	return !r.IsEmpty() && start < r.End && r.Start < end
}
