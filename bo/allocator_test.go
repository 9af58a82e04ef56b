package bo

import (
	"context"
	"io"
	"testing"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/device/devicetest"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/memutils"
	"golang.org/x/exp/slog"
)

func readyAllocator(t *testing.T, dev *devicetest.FakeDevice, options CreateOptions) *Allocator {
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	allocator, err := New(dev, options)
	require.NoError(t, err)
	return allocator
}

func TestAllocatorBuckets(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	small, err := allocator.Create(64, 16, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, KindSlab, small.Kind())
	require.Equal(t, 256, small.Size())
	require.Zero(t, small.Offset()%16)

	medium, err := allocator.Create(300, 16, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, KindSlab, medium.Kind())
	require.Equal(t, 384, medium.Size())
	require.Zero(t, medium.Offset()%16)
	require.NotSame(t, small.Memory(), medium.Memory())

	large, err := allocator.Create(5*1024*1024, 16, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, KindReal, large.Kind())
	require.Equal(t, 5*1024*1024, large.Size())
	require.Equal(t, 0, large.Offset())
	require.True(t, large.CanCache())

	// Two slabs and one real allocation
	require.Equal(t, 3, dev.LiveMemory())

	small.Release()
	medium.Release()
	large.Release()

	allocCount := dev.AllocCount
	reused, err := allocator.Create(5*1024*1024, 16, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Same(t, large, reused)
	require.Equal(t, allocCount, dev.AllocCount)
	require.Equal(t, 1, reused.RefCount())
	reused.Release()

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, dev.LiveMemory())
}

func TestSlabEntrySize(t *testing.T) {
	testCases := map[string]struct {
		size      int
		alignment int
		entrySize int
		bypass    bool
	}{
		"Tiny":               {size: 1, alignment: 1, entrySize: 256},
		"MinOrder":           {size: 256, alignment: 256, entrySize: 256},
		"ThreeQuarters":      {size: 300, alignment: 1, entrySize: 384},
		"ThreeQuartersAlign": {size: 300, alignment: 128, entrySize: 384},
		"PowerOfTwoAlign":    {size: 300, alignment: 256, entrySize: 512},
		"AlignTooLarge":      {size: 300, alignment: 1024, bypass: true},
		"UpperThreeQuarters": {size: 700, alignment: 4, entrySize: 768},
		"AbovethreeQuarters": {size: 800, alignment: 4, entrySize: 1024},
		"MaxOrder":           {size: 1 << 20, alignment: 1, entrySize: 1 << 20},
		"AboveMaxOrder":      {size: 1<<20 + 1, alignment: 1, bypass: true},
	}

	allocator := readyAllocator(t, devicetest.NewDiscreteDevice(), CreateOptions{})

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			entrySize, ok := allocator.slabEntrySize(testCase.size, testCase.alignment)
			require.Equal(t, !testCase.bypass, ok)
			if ok {
				require.Equal(t, testCase.entrySize, entrySize)
				require.Zero(t, slabEntryAlignment(entrySize)%testCase.alignment)
			}
		})
	}
}

func TestSlabEntriesAreAligned(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	var entries []*BO
	for i := 0; i < 8; i++ {
		entry, err := allocator.Create(300, 128, device.HeapDeviceLocal, 0)
		require.NoError(t, err)
		require.Zero(t, entry.Offset()%128)
		require.NoError(t, entry.slab.slab.Validate())
		entries = append(entries, entry)
	}

	require.Equal(t, 384, entries[1].Offset()-entries[0].Offset())
	require.Equal(t, 1, dev.LiveMemory())

	for _, entry := range entries {
		entry.Release()
	}
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorNoSuballoc(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	bo, err := allocator.Create(64, 1, device.HeapDeviceLocal, CreateNoSuballoc)
	require.NoError(t, err)
	require.Equal(t, KindReal, bo.Kind())
	require.Equal(t, 4096, bo.Size())

	bo.Release()
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorExternalNeverCached(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	bo, err := allocator.CreateWithRequest(Request{
		Size:     64,
		Heap:     device.HeapDeviceLocal,
		External: &device.ExternalMemory{},
	})
	require.NoError(t, err)
	require.Equal(t, KindReal, bo.Kind())
	require.NotNil(t, bo.External())
	require.False(t, bo.CanCache())

	bo.Release()
	require.Equal(t, 0, dev.LiveMemory())
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorMemoryTypeBits(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	bo, err := allocator.CreateWithRequest(Request{
		Size:           2 * 1024 * 1024,
		Heap:           device.HeapDeviceLocal,
		MemoryTypeBits: 1 << 1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, bo.MemoryTypeIndex())
	bo.Release()

	_, err = allocator.CreateWithRequest(Request{
		Size:           2 * 1024 * 1024,
		Heap:           device.HeapDeviceLocal,
		MemoryTypeBits: 1 << 3,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAllocationFailed))

	require.NoError(t, allocator.Destroy())
}

func TestAllocatorInvalidRequests(t *testing.T) {
	allocator := readyAllocator(t, devicetest.NewDiscreteDevice(), CreateOptions{})

	_, err := allocator.Create(0, 1, device.HeapDeviceLocal, 0)
	require.Error(t, err)

	_, err = allocator.Create(64, 3, device.HeapDeviceLocal, 0)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = New(devicetest.NewDiscreteDevice(), CreateOptions{SlabSize: 3 * 1024 * 1024})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	require.NoError(t, allocator.Destroy())
}

func TestAllocatorOutOfMemoryReclaims(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	dev.HeapCapacity = []int{12 * 1024 * 1024, 0}
	allocator := readyAllocator(t, dev, CreateOptions{})

	first, err := allocator.Create(8*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	first.Release()

	var stats Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.CachedAllocations)

	// Only fits once the cached allocation is freed
	second, err := allocator.Create(6*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, 6*1024*1024, second.Size())

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.CachedAllocations)
	require.Equal(t, 1, dev.LiveMemory())

	second.Release()
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorOutOfMemoryFails(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	// Both device-local memory types fail, before and after reclaiming
	dev.FailAllocations = 4
	_, err := allocator.Create(2*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAllocationFailed))
	require.Zero(t, dev.FailAllocations)

	dev.FailAllocations = 2
	bo, err := allocator.Create(2*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	bo.Release()

	require.NoError(t, allocator.Destroy())
}

func TestCacheTimeout(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{CacheTimeout: time.Second})

	now := time.Unix(1000, 0)
	allocator.cache.now = func() time.Time { return now }

	bo, err := allocator.Create(5*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	bo.Release()
	require.Equal(t, 1, dev.LiveMemory())

	now = now.Add(2 * time.Second)

	other, err := allocator.Create(2*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.NotSame(t, bo, other)
	require.Equal(t, 1, dev.LiveMemory())

	count, bytes := allocator.cache.Stats()
	require.Zero(t, count)
	require.Zero(t, bytes)

	other.Release()
	require.NoError(t, allocator.Destroy())
}

func TestCacheBudget(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{CacheMaxBytes: 8 * 1024 * 1024})

	first, err := allocator.Create(5*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	second, err := allocator.Create(5*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)

	first.Release()
	second.Release()

	// The older allocation was evicted to stay under budget
	count, bytes := allocator.cache.Stats()
	require.Equal(t, 1, count)
	require.Equal(t, 5*1024*1024, bytes)
	require.Equal(t, 1, dev.LiveMemory())

	reused, err := allocator.Create(5*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Same(t, second, reused)
	reused.Release()

	require.NoError(t, allocator.Destroy())
}

func TestCacheDisabled(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{CacheMaxBytes: -1})

	bo, err := allocator.Create(5*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	bo.Release()
	require.Equal(t, 0, dev.LiveMemory())

	require.NoError(t, allocator.Destroy())
}

func TestBusySlabEntryIsNotReused(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	dev.ManualTimeline = true
	tracker := fence.NewTracker(dev, fence.TrackerOptions{
		Logger:       slog.New(slog.NewTextHandler(io.Discard)),
		PollInterval: 10 * time.Millisecond,
	})
	c, err := fence.NewContext(tracker, fence.ContextOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Destroy(context.Background()))
	}()

	allocator := readyAllocator(t, dev, CreateOptions{Tracker: tracker})

	first, err := allocator.Create(64, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset())

	first.Usage().SetWrite(c.Batch())
	require.NoError(t, c.FlushAsync())
	first.Release()

	second, err := allocator.Create(64, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, 256, second.Offset())

	dev.Signal(1)
	dev.ManualTimeline = false

	third, err := allocator.Create(64, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	require.Same(t, first, third)

	second.Release()
	third.Release()
	require.NoError(t, allocator.Destroy())
}

func TestMapSharesAllocation(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	first, err := allocator.Create(64, 1, device.HeapHostVisibleCoherent, 0)
	require.NoError(t, err)
	second, err := allocator.Create(64, 1, device.HeapHostVisibleCoherent, 0)
	require.NoError(t, err)
	require.True(t, first.CanMap())

	firstData, err := allocator.Map(first)
	require.NoError(t, err)
	secondData, err := allocator.Map(second)
	require.NoError(t, err)
	require.Equal(t, uintptr(256), uintptr(secondData)-uintptr(firstData))

	*(*uint32)(secondData) = 0xdeadbeef
	require.Equal(t, uint32(0xdeadbeef), *(*uint32)(unsafe.Add(firstData, 256)))
	require.True(t, dev.IsMapped(first.Memory().Handle()))

	allocator.Unmap(first)
	require.True(t, dev.IsMapped(first.Memory().Handle()))
	allocator.Unmap(second)
	require.False(t, dev.IsMapped(first.Memory().Handle()))

	require.Panics(t, func() {
		allocator.Unmap(second)
	})

	first.Release()
	second.Release()
	require.NoError(t, allocator.Destroy())
}

func TestMapDeviceLocalFails(t *testing.T) {
	allocator := readyAllocator(t, devicetest.NewDiscreteDevice(), CreateOptions{})

	bo, err := allocator.CreateWithRequest(Request{
		Size:           64,
		Heap:           device.HeapDeviceLocal,
		MemoryTypeBits: 1,
	})
	require.NoError(t, err)
	require.False(t, bo.CanMap())

	_, err = allocator.Map(bo)
	require.Error(t, err)

	bo.Release()
	require.NoError(t, allocator.Destroy())
}

func TestReleaseUnmapsOutstandingMappings(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{CacheMaxBytes: -1})

	bo, err := allocator.Create(2*1024*1024, 1, device.HeapHostVisibleCoherent, 0)
	require.NoError(t, err)
	_, err = allocator.Map(bo)
	require.NoError(t, err)

	bo.Release()
	require.Equal(t, 0, dev.LiveMemory())
	require.NoError(t, allocator.Destroy())
}

func TestDestroyReportsLeaks(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	_, err := allocator.Create(64, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	_, err = allocator.Create(64*1024, 1, device.HeapDeviceLocalSparse, CreateSparse)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 BOs were not released")
}

func TestBuildStatsString(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	allocator := readyAllocator(t, dev, CreateOptions{})

	small, err := allocator.Create(64, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	large, err := allocator.Create(5*1024*1024, 1, device.HeapDeviceLocal, 0)
	require.NoError(t, err)
	large.Release()

	stats := allocator.BuildStatsString(true)
	require.Contains(t, stats, `"EntrySize":256`)
	require.Contains(t, stats, `"EntryCount":1`)
	require.Contains(t, stats, `"Cache":{"Count":1,"Bytes":5242880`)
	require.Contains(t, stats, `"SlabMap":{`)

	small.Release()
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorDeviceLost(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	tracker := fence.NewTracker(dev, fence.TrackerOptions{})
	allocator := readyAllocator(t, dev, CreateOptions{Tracker: tracker})

	mappable, err := allocator.Create(4096, 1, device.HeapHostVisibleCoherent, 0)
	require.NoError(t, err)
	sparse, err := allocator.Create(4*DefaultSparsePageSize, 1, device.HeapDeviceLocalSparse, CreateSparse)
	require.NoError(t, err)
	sparse.SetSparseTarget(device.SparseTarget{Buffer: 77})

	tracker.SetDeviceLost()
	allocCount := dev.AllocCount

	_, err = allocator.Create(4096, 1, device.HeapDeviceLocal, 0)
	require.ErrorIs(t, err, fence.ErrDeviceLost)
	require.ErrorIs(t, err, ErrAllocationFailed)

	_, err = allocator.Map(mappable)
	require.ErrorIs(t, err, fence.ErrDeviceLost)

	err = allocator.SparseCommit(sparse, 0, DefaultSparsePageSize, true)
	require.ErrorIs(t, err, fence.ErrDeviceLost)
	require.Zero(t, sparse.CommittedPages())
	require.Equal(t, allocCount, dev.AllocCount)

	// Releasing still works, and every BO counts as idle
	mappable.Release()
	sparse.Release()
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, dev.LiveMemory())
}
