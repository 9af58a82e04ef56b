package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gallium/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(256, "alignment"))
	require.NoError(t, memutils.CheckPow2(uint(1), "alignment"))

	err := memutils.CheckPow2(384, "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "alignment is 384")
}

func TestAlign(t *testing.T) {
	require.Equal(t, 256, memutils.AlignUp(1, 256))
	require.Equal(t, 256, memutils.AlignUp(256, 256))
	require.Equal(t, 512, memutils.AlignUp(257, 256))
	require.Equal(t, 0, memutils.AlignDown(255, 256))
	require.Equal(t, 4096, memutils.AlignDown(4100, 4096))
	require.True(t, memutils.IsAligned(384, 128))
	require.False(t, memutils.IsAligned(384, 256))
}

func TestLog2Ceil(t *testing.T) {
	testCases := map[string]struct {
		value    int
		order    uint
		nextPow2 int
	}{
		"Zero":      {value: 0, order: 0, nextPow2: 1},
		"One":       {value: 1, order: 0, nextPow2: 1},
		"Exact":     {value: 256, order: 8, nextPow2: 256},
		"OneAbove":  {value: 257, order: 9, nextPow2: 512},
		"OddSize":   {value: 300, order: 9, nextPow2: 512},
		"Megabytes": {value: 5 * 1024 * 1024, order: 23, nextPow2: 8 * 1024 * 1024},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.order, memutils.Log2Ceil(testCase.value))
			require.Equal(t, testCase.nextPow2, memutils.NextPow2(testCase.value))
		})
	}
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.AddBlock(4096)
	stats.AddAllocation(256)
	stats.AddAllocation(384)
	stats.AddUnusedRange(3456)

	var other memutils.DetailedStatistics
	other.Clear()
	other.AddBlock(1024)
	other.AddAllocation(1024)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			AllocationCount: 3,
			BlockBytes:      5120,
			AllocationBytes: 1664,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  256,
		AllocationSizeMax:  1024,
		UnusedRangeSizeMin: 3456,
		UnusedRangeSizeMax: 3456,
	}, stats)
}

type fakeValidatable struct {
	err error
}

func (v fakeValidatable) Validate() error {
	return v.err
}

func TestValidateEach(t *testing.T) {
	require.NoError(t, memutils.ValidateEach([]fakeValidatable{{}, {}}))
	require.NoError(t, memutils.ValidateEach[fakeValidatable](nil))

	broken := errors.New("free list is out of order")
	err := memutils.ValidateEach([]fakeValidatable{{}, {err: broken}, {err: errors.New("unreached")}})
	require.ErrorIs(t, err, broken)
	require.Contains(t, err.Error(), "item 1")
	require.NotContains(t, err.Error(), "unreached")
}
