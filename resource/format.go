package resource

import "github.com/gogpu/gputypes"

// formatBlock is the size of one texel block of a format. Uncompressed formats have 1x1
// blocks.
type formatBlock struct {
	bytes  int
	width  int
	height int
}

var formatBlocks = make(map[gputypes.TextureFormat]formatBlock)

func registerFormats(block formatBlock, formats ...gputypes.TextureFormat) {
	for _, format := range formats {
		formatBlocks[format] = block
	}
}

func init() {
	registerFormats(formatBlock{bytes: 1, width: 1, height: 1},
		gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm, gputypes.TextureFormatR8Uint,
		gputypes.TextureFormatR8Sint, gputypes.TextureFormatStencil8)
	registerFormats(formatBlock{bytes: 2, width: 1, height: 1},
		gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm, gputypes.TextureFormatR16Uint,
		gputypes.TextureFormatR16Sint, gputypes.TextureFormatR16Float, gputypes.TextureFormatRG8Unorm,
		gputypes.TextureFormatRG8Snorm, gputypes.TextureFormatRG8Uint, gputypes.TextureFormatRG8Sint,
		gputypes.TextureFormatDepth16Unorm)
	registerFormats(formatBlock{bytes: 4, width: 1, height: 1},
		gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint, gputypes.TextureFormatR32Sint,
		gputypes.TextureFormatRG16Unorm, gputypes.TextureFormatRG16Snorm, gputypes.TextureFormatRG16Uint,
		gputypes.TextureFormatRG16Sint, gputypes.TextureFormatRG16Float, gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatRGBA8UnormSrgb, gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint, gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb,
		gputypes.TextureFormatRGB10A2Uint, gputypes.TextureFormatRGB10A2Unorm, gputypes.TextureFormatRG11B10Ufloat,
		gputypes.TextureFormatRGB9E5Ufloat, gputypes.TextureFormatDepth24Plus, gputypes.TextureFormatDepth24PlusStencil8,
		gputypes.TextureFormatDepth32Float)
	registerFormats(formatBlock{bytes: 8, width: 1, height: 1},
		gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint, gputypes.TextureFormatRG32Sint,
		gputypes.TextureFormatRGBA16Unorm, gputypes.TextureFormatRGBA16Snorm, gputypes.TextureFormatRGBA16Uint,
		gputypes.TextureFormatRGBA16Sint, gputypes.TextureFormatRGBA16Float, gputypes.TextureFormatDepth32FloatStencil8)
	registerFormats(formatBlock{bytes: 16, width: 1, height: 1},
		gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint, gputypes.TextureFormatRGBA32Sint)

	registerFormats(formatBlock{bytes: 8, width: 4, height: 4},
		gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureFormatBC1RGBAUnormSrgb, gputypes.TextureFormatBC4RUnorm,
		gputypes.TextureFormatBC4RSnorm, gputypes.TextureFormatETC2RGB8Unorm, gputypes.TextureFormatETC2RGB8UnormSrgb,
		gputypes.TextureFormatETC2RGB8A1Unorm, gputypes.TextureFormatETC2RGB8A1UnormSrgb, gputypes.TextureFormatEACR11Unorm,
		gputypes.TextureFormatEACR11Snorm)
	registerFormats(formatBlock{bytes: 16, width: 4, height: 4},
		gputypes.TextureFormatBC2RGBAUnorm, gputypes.TextureFormatBC2RGBAUnormSrgb, gputypes.TextureFormatBC3RGBAUnorm,
		gputypes.TextureFormatBC3RGBAUnormSrgb, gputypes.TextureFormatBC5RGUnorm, gputypes.TextureFormatBC5RGSnorm,
		gputypes.TextureFormatBC6HRGBUfloat, gputypes.TextureFormatBC6HRGBFloat, gputypes.TextureFormatBC7RGBAUnorm,
		gputypes.TextureFormatBC7RGBAUnormSrgb, gputypes.TextureFormatETC2RGBA8Unorm, gputypes.TextureFormatETC2RGBA8UnormSrgb,
		gputypes.TextureFormatEACRG11Unorm, gputypes.TextureFormatEACRG11Snorm, gputypes.TextureFormatASTC4x4Unorm,
		gputypes.TextureFormatASTC4x4UnormSrgb)

	astc := []struct {
		width, height int
		formats       []gputypes.TextureFormat
	}{
		{5, 4, []gputypes.TextureFormat{gputypes.TextureFormatASTC5x4Unorm, gputypes.TextureFormatASTC5x4UnormSrgb}},
		{5, 5, []gputypes.TextureFormat{gputypes.TextureFormatASTC5x5Unorm, gputypes.TextureFormatASTC5x5UnormSrgb}},
		{6, 5, []gputypes.TextureFormat{gputypes.TextureFormatASTC6x5Unorm, gputypes.TextureFormatASTC6x5UnormSrgb}},
		{6, 6, []gputypes.TextureFormat{gputypes.TextureFormatASTC6x6Unorm, gputypes.TextureFormatASTC6x6UnormSrgb}},
		{8, 5, []gputypes.TextureFormat{gputypes.TextureFormatASTC8x5Unorm, gputypes.TextureFormatASTC8x5UnormSrgb}},
		{8, 6, []gputypes.TextureFormat{gputypes.TextureFormatASTC8x6Unorm, gputypes.TextureFormatASTC8x6UnormSrgb}},
		{8, 8, []gputypes.TextureFormat{gputypes.TextureFormatASTC8x8Unorm, gputypes.TextureFormatASTC8x8UnormSrgb}},
		{10, 5, []gputypes.TextureFormat{gputypes.TextureFormatASTC10x5Unorm, gputypes.TextureFormatASTC10x5UnormSrgb}},
		{10, 6, []gputypes.TextureFormat{gputypes.TextureFormatASTC10x6Unorm, gputypes.TextureFormatASTC10x6UnormSrgb}},
		{10, 8, []gputypes.TextureFormat{gputypes.TextureFormatASTC10x8Unorm, gputypes.TextureFormatASTC10x8UnormSrgb}},
		{10, 10, []gputypes.TextureFormat{gputypes.TextureFormatASTC10x10Unorm, gputypes.TextureFormatASTC10x10UnormSrgb}},
		{12, 10, []gputypes.TextureFormat{gputypes.TextureFormatASTC12x10Unorm, gputypes.TextureFormatASTC12x10UnormSrgb}},
		{12, 12, []gputypes.TextureFormat{gputypes.TextureFormatASTC12x12Unorm, gputypes.TextureFormatASTC12x12UnormSrgb}},
	}
	for _, entry := range astc {
		registerFormats(formatBlock{bytes: 16, width: entry.width, height: entry.height}, entry.formats...)
	}
}

// blockOf returns the block layout of format. Unknown formats are treated as 4 byte texels.
func blockOf(format gputypes.TextureFormat) formatBlock {
	block, ok := formatBlocks[format]
	if !ok {
		return formatBlock{bytes: 4, width: 1, height: 1}
	}
	return block
}

// rowStride is the tightly packed size of one row of blocks covering width texels
func (b formatBlock) rowStride(width uint32) int {
	return (int(width) + b.width - 1) / b.width * b.bytes
}

// layerSize is the tightly packed size of a width by height region
func (b formatBlock) layerSize(width, height uint32) int {
	rows := (int(height) + b.height - 1) / b.height
	return b.rowStride(width) * rows
}
