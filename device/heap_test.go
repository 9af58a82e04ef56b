package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/device/devicetest"
)

func TestBuildHeapMap(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	heapMap := device.BuildHeapMap(dev.MemoryProperties())

	require.Equal(t, []int{0, 1}, heapMap[device.HeapDeviceLocal])
	require.Equal(t, []int{0, 1}, heapMap[device.HeapDeviceLocalSparse])
	require.Empty(t, heapMap[device.HeapDeviceLocalLazy])
	require.Equal(t, []int{1}, heapMap[device.HeapDeviceLocalVisible])
	// The exact match comes ahead of the types that carry extra properties
	require.Equal(t, []int{2, 1, 3}, heapMap[device.HeapHostVisibleCoherent])
	require.Equal(t, []int{3}, heapMap[device.HeapHostVisibleCached])
}

func TestHeapMapSkipsLazyForDeviceLocal(t *testing.T) {
	props := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyLazilyAllocated},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal},
		},
		MemoryHeaps: []core1_0.MemoryHeap{{Size: 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal}},
	}

	heapMap := device.BuildHeapMap(props)
	require.Equal(t, []int{1}, heapMap[device.HeapDeviceLocal])
	require.Equal(t, []int{0}, heapMap[device.HeapDeviceLocalLazy])
}

func TestHeapFromFlags(t *testing.T) {
	testCases := map[string]struct {
		flags  core1_0.MemoryPropertyFlags
		sparse bool
		heap   device.Heap
	}{
		"DeviceLocal": {
			flags: core1_0.MemoryPropertyDeviceLocal,
			heap:  device.HeapDeviceLocal,
		},
		"Sparse": {
			flags:  core1_0.MemoryPropertyDeviceLocal,
			sparse: true,
			heap:   device.HeapDeviceLocalSparse,
		},
		"Lazy": {
			flags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyLazilyAllocated,
			heap:  device.HeapDeviceLocalLazy,
		},
		"DeviceLocalVisible": {
			flags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible,
			heap:  device.HeapDeviceLocalVisible,
		},
		"Cached": {
			flags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached,
			heap:  device.HeapHostVisibleCached,
		},
		"Coherent": {
			flags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			heap:  device.HeapHostVisibleCoherent,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.heap, device.HeapFromFlags(testCase.flags, testCase.sparse))
		})
	}
}

func TestDemote(t *testing.T) {
	testCases := map[string]struct {
		heap         device.Heap
		wantCoherent bool
		next         device.Heap
		ok           bool
	}{
		"VisibleToDeviceLocal": {heap: device.HeapDeviceLocalVisible, next: device.HeapDeviceLocal, ok: true},
		"VisibleToCoherent":    {heap: device.HeapDeviceLocalVisible, wantCoherent: true, next: device.HeapHostVisibleCoherent, ok: true},
		"CachedToCoherent":     {heap: device.HeapHostVisibleCached, next: device.HeapHostVisibleCoherent, ok: true},
		"LazyToDeviceLocal":    {heap: device.HeapDeviceLocalLazy, next: device.HeapDeviceLocal, ok: true},
		"SparseToDeviceLocal":  {heap: device.HeapDeviceLocalSparse, next: device.HeapDeviceLocal, ok: true},
		"DeviceLocalIsLast":    {heap: device.HeapDeviceLocal, next: device.HeapDeviceLocal},
		"CoherentIsLast":       {heap: device.HeapHostVisibleCoherent, next: device.HeapHostVisibleCoherent},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			next, ok := device.Demote(testCase.heap, testCase.wantCoherent)
			require.Equal(t, testCase.ok, ok)
			require.Equal(t, testCase.next, next)
		})
	}
}

func TestHeapMapResolve(t *testing.T) {
	// No device-local host-visible window and no cached type
	props := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1024 * 1024},
		},
	}
	heapMap := device.BuildHeapMap(props)

	heap, ok := heapMap.Resolve(device.HeapHostVisibleCached, false)
	require.True(t, ok)
	require.Equal(t, device.HeapHostVisibleCoherent, heap)

	heap, ok = heapMap.Resolve(device.HeapDeviceLocalVisible, false)
	require.True(t, ok)
	require.Equal(t, device.HeapDeviceLocal, heap)

	heap, ok = heapMap.Resolve(device.HeapDeviceLocalVisible, true)
	require.True(t, ok)
	require.Equal(t, device.HeapHostVisibleCoherent, heap)

	heap, ok = heapMap.Resolve(device.HeapDeviceLocalLazy, false)
	require.True(t, ok)
	require.Equal(t, device.HeapDeviceLocal, heap)

	empty := device.BuildHeapMap(&core1_0.PhysicalDeviceMemoryProperties{})
	_, ok = empty.Resolve(device.HeapDeviceLocal, false)
	require.False(t, ok)
}

func TestHeapMapTypes(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	heapMap := device.BuildHeapMap(dev.MemoryProperties())

	require.Equal(t, []int{1, 3}, heapMap.Types(device.HeapHostVisibleCoherent, 0b1010))
	require.Equal(t, []int{2, 1, 3}, heapMap.Types(device.HeapHostVisibleCoherent, 0xffffffff))
	require.Empty(t, heapMap.Types(device.HeapHostVisibleCached, 0b0111))
}

func TestPipelineStageForAccess(t *testing.T) {
	testCases := map[string]struct {
		access device.AccessFlags
		stage  device.PipelineStageFlags
	}{
		"None":     {access: 0, stage: device.PipelineStageTopOfPipe},
		"Transfer": {access: device.AccessTransferRead | device.AccessTransferWrite, stage: device.PipelineStageTransfer},
		"Host":     {access: device.AccessHostWrite, stage: device.PipelineStageHost},
		"Vertex":   {access: device.AccessIndexRead, stage: device.PipelineStageVertexInput},
		"Shader": {
			access: device.AccessShaderRead,
			stage:  device.PipelineStageVertexShader | device.PipelineStageFragmentShader | device.PipelineStageComputeShader,
		},
		"DepthStencil": {
			access: device.AccessDepthStencilAttachmentWrite,
			stage:  device.PipelineStageEarlyFragmentTests | device.PipelineStageLateFragmentTests,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.stage, device.PipelineStageForAccess(testCase.access))
		})
	}
}

func TestAccessIsWrite(t *testing.T) {
	require.False(t, (device.AccessShaderRead | device.AccessTransferRead).IsWrite())
	require.True(t, (device.AccessShaderRead | device.AccessTransferWrite).IsWrite())
	require.Equal(t, "ImageLayoutTransferDstOptimal", device.ImageLayoutTransferDstOptimal.String())
}
