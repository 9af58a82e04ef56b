package resource

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/device/devicetest"
)

func TestImageViews(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	screen := readyScreen(t, dev)
	fctx := readyContext(t, screen)

	tmpl := textureTemplate(64, 64, gputypes.TextureUsageTextureBinding)
	tmpl.MipLevels = 4
	res, err := screen.CreateResource(tmpl, nil)
	require.NoError(t, err)
	obj := res.Object()

	full, err := obj.View(ViewKey{})
	require.NoError(t, err)
	again, err := obj.View(ViewKey{})
	require.NoError(t, err)
	require.Equal(t, full, again)

	level, err := obj.View(ViewKey{BaseMipLevel: 2, MipLevelCount: 1})
	require.NoError(t, err)
	require.NotEqual(t, full, level)
	require.Equal(t, 2, obj.ViewCount())
	require.Equal(t, 2, dev.LiveViews())

	_, err = obj.View(ViewKey{BaseMipLevel: 4})
	require.Error(t, err)
	_, err = obj.View(ViewKey{BaseMipLevel: 2, MipLevelCount: 3})
	require.Error(t, err)
	_, err = obj.View(ViewKey{BaseArrayLayer: 1})
	require.Error(t, err)
	require.Equal(t, 2, obj.ViewCount())

	// Views go with the object
	screen.DestroyResource(res)
	require.Equal(t, 0, dev.LiveViews())
	teardown(t, dev, screen, fctx)
}

func TestBufferViews(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	screen := readyScreen(t, dev)
	fctx := readyContext(t, screen)

	res, err := screen.CreateResource(bufferTemplate(1024, UsageDefault), nil)
	require.NoError(t, err)
	obj := res.Object()

	_, err = obj.View(ViewKey{Format: gputypes.TextureFormatR32Float, Offset: 256})
	require.NoError(t, err)
	_, err = obj.View(ViewKey{Format: gputypes.TextureFormatR32Float, Offset: 256, Size: 1024})
	require.Error(t, err)
	_, err = obj.View(ViewKey{Offset: 1024})
	require.Error(t, err)
	require.Equal(t, 1, obj.ViewCount())

	screen.DestroyResource(res)
	teardown(t, dev, screen, fctx)
}

func TestDefaultViewDimension(t *testing.T) {
	testCases := map[string]struct {
		dimension gputypes.TextureDimension
		layers    uint32
		view      gputypes.TextureViewDimension
	}{
		"1D":      {dimension: gputypes.TextureDimension1D, layers: 1, view: gputypes.TextureViewDimension1D},
		"2D":      {dimension: gputypes.TextureDimension2D, layers: 1, view: gputypes.TextureViewDimension2D},
		"2DArray": {dimension: gputypes.TextureDimension2D, layers: 6, view: gputypes.TextureViewDimension2DArray},
		"3D":      {dimension: gputypes.TextureDimension3D, layers: 1, view: gputypes.TextureViewDimension3D},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.view, defaultViewDimension(testCase.dimension, testCase.layers))
		})
	}
}

func TestViewInfoDefaults(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	screen := readyScreen(t, dev)
	fctx := readyContext(t, screen)

	tmpl := textureTemplate(32, 32, gputypes.TextureUsageTextureBinding)
	tmpl.DepthOrArrayLayers = 4
	res, err := screen.CreateResource(tmpl, nil)
	require.NoError(t, err)

	info, err := res.Object().viewInfo(ViewKey{BaseArrayLayer: 1})
	require.NoError(t, err)
	require.Equal(t, gputypes.TextureFormatRGBA8Unorm, info.Format)
	require.Equal(t, gputypes.TextureViewDimension2DArray, info.Dimension)
	require.Equal(t, uint32(3), *info.Range.ArrayLayerCount)
	require.Equal(t, uint32(1), *info.Range.MipLevelCount)
	require.Equal(t, res.Object().Image(), info.Image)
	require.Equal(t, device.BufferHandle(0), info.Buffer)

	screen.DestroyResource(res)
	teardown(t, dev, screen, fctx)
}
