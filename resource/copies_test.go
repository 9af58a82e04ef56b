package resource

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gallium/device/devicetest"
	"golang.org/x/exp/slog"
)

func box2D(x, y, width, height uint32) Box {
	return Box{
		Origin: gputypes.Origin3D{X: x, Y: y},
		Extent: gputypes.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
	}
}

func TestMergeBox(t *testing.T) {
	testCases := map[string]struct {
		existing Box
		box      Box
		merged   bool
		result   Box
	}{
		"Contained": {
			existing: box2D(0, 0, 16, 16),
			box:      box2D(4, 4, 4, 4),
			merged:   true,
			result:   box2D(0, 0, 16, 16),
		},
		"AdjacentAfterX": {
			existing: box2D(0, 0, 16, 16),
			box:      box2D(16, 0, 16, 16),
			merged:   true,
			result:   box2D(0, 0, 32, 16),
		},
		"AdjacentBeforeY": {
			existing: box2D(0, 16, 16, 16),
			box:      box2D(0, 0, 16, 16),
			merged:   true,
			result:   box2D(0, 0, 16, 32),
		},
		"Covering": {
			existing: box2D(4, 4, 4, 4),
			box:      box2D(0, 0, 16, 16),
			merged:   true,
			result:   box2D(0, 0, 16, 16),
		},
		"Disjoint": {
			existing: box2D(0, 0, 16, 16),
			box:      box2D(32, 0, 16, 16),
			merged:   false,
			result:   box2D(0, 0, 16, 16),
		},
		"AdjacentButShorter": {
			existing: box2D(0, 0, 16, 16),
			box:      box2D(16, 0, 16, 8),
			merged:   false,
			result:   box2D(0, 0, 16, 16),
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			existing := testCase.existing
			require.Equal(t, testCase.merged, mergeBox(&existing, testCase.box, 2))
			require.Equal(t, testCase.result, existing)
		})
	}
}

func TestBufferCopyHistory(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	screen := readyScreen(t, dev)
	fctx := readyContext(t, screen)

	res, err := screen.CreateResource(bufferTemplate(1024, UsageDefault), nil)
	require.NoError(t, err)
	obj := res.Object()

	// Without a history every region may have been written
	require.True(t, obj.CopyBoxIntersects(0, BufferBox(0, 16)))
	require.False(t, obj.HasPendingCopy(0, BufferBox(0, 16)))

	obj.AddCopyBox(0, BufferBox(0, 64))
	obj.AddCopyBox(0, BufferBox(64, 64))
	require.Equal(t, 1, obj.CopyBoxCount(0))
	obj.AddCopyBox(0, BufferBox(512, 64))
	require.Equal(t, 2, obj.CopyBoxCount(0))

	require.True(t, obj.HasPendingCopy(0, BufferBox(100, 10)))
	require.False(t, obj.HasPendingCopy(0, BufferBox(200, 10)))
	require.False(t, obj.CopyBoxIntersects(0, BufferBox(200, 10)))

	var valid Range
	obj.ResetCopies(&valid)
	require.Equal(t, Range{Start: 0, End: 576}, valid)
	require.Equal(t, 0, obj.CopyBoxCount(0))
	require.False(t, obj.HasPendingCopy(0, BufferBox(100, 10)))

	screen.DestroyResource(res)
	teardown(t, dev, screen, fctx)
}

func TestCopyBoxWarning(t *testing.T) {
	var logs bytes.Buffer
	dev := devicetest.NewDiscreteDevice()
	screen, err := NewScreen(dev, ScreenOptions{
		Logger: slog.New(slog.NewTextHandler(&logs)),
	})
	require.NoError(t, err)
	fctx := readyContext(t, screen)

	res, err := screen.CreateResource(textureTemplate(1024, 4, gputypes.TextureUsageTextureBinding), nil)
	require.NoError(t, err)
	obj := res.Object()

	for i := uint32(0); i < maxCopyBoxes+10; i++ {
		obj.AddCopyBox(0, box2D(i*3, 0, 1, 1))
	}
	require.Equal(t, maxCopyBoxes+10, obj.CopyBoxCount(0))
	require.Equal(t, 1, strings.Count(logs.String(), "more than 100 copy boxes recorded for one level"))

	screen.DestroyResource(res)
	teardown(t, dev, screen, fctx)
}
