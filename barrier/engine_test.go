package barrier

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/device/devicetest"
	mock_device "github.com/vkngwrapper/gallium/device/mocks"
	"github.com/vkngwrapper/gallium/fence"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

// mockCommandDevice hands out the given command buffers before falling back to the fake's
type mockCommandDevice struct {
	*devicetest.FakeDevice
	buffers []device.CommandBuffer
}

func (d *mockCommandDevice) AllocateCommandBuffer() (device.CommandBuffer, common.VkResult, error) {
	if len(d.buffers) == 0 {
		return d.FakeDevice.AllocateCommandBuffer()
	}

	next := d.buffers[0]
	d.buffers = d.buffers[1:]
	return next, core1_0.VKSuccess, nil
}

type countedOwner struct {
	refs atomic.Int32
}

func (o *countedOwner) Ref() {
	o.refs.Add(1)
}

func (o *countedOwner) Release() {
	o.refs.Add(-1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func readyEngine(t *testing.T, dev device.Device) (*fence.Tracker, *Engine) {
	tracker := fence.NewTracker(dev, fence.TrackerOptions{
		Logger:       testLogger(),
		PollInterval: 10 * time.Millisecond,
	})
	engine := NewEngine(EngineOptions{
		Logger:  testLogger(),
		Tracker: tracker,
	})
	return tracker, engine
}

func readyContext(t *testing.T, tracker *fence.Tracker) *fence.Context {
	c, err := fence.NewContext(tracker, fence.ContextOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Destroy(context.Background()))
	})
	return c
}

func barrierCount(batch *fence.Batch) int {
	count := batch.Ordered().(*devicetest.CommandBuffer).BarrierCount()
	if batch.HasUnordered() {
		count += batch.Unordered().(*devicetest.CommandBuffer).BarrierCount()
	}
	return count
}

func TestNeedsBarrier(t *testing.T) {
	shaderRead := Access{Access: device.AccessShaderRead, Stage: device.PipelineStageFragmentShader}
	shaderReadBoth := Access{Access: device.AccessShaderRead, Stage: device.PipelineStageVertexShader | device.PipelineStageFragmentShader}

	testCases := map[string]struct {
		tracked Access
		target  Access
		needs   bool
	}{
		"UnsetRead": {
			target: shaderRead,
		},
		"UnsetWrite": {
			target: Access{Access: device.AccessTransferWrite, Stage: device.PipelineStageTransfer},
			needs:  true,
		},
		"UnsetLayoutChange": {
			target: Access{Access: device.AccessShaderRead, Stage: device.PipelineStageFragmentShader, Layout: device.ImageLayoutShaderReadOnlyOptimal},
			needs:  true,
		},
		"Covered": {
			tracked: shaderReadBoth,
			target:  shaderRead,
		},
		"StageMissing": {
			tracked: shaderRead,
			target:  shaderReadBoth,
			needs:   true,
		},
		"AccessMissing": {
			tracked: shaderRead,
			target:  Access{Access: device.AccessShaderRead | device.AccessUniformRead, Stage: device.PipelineStageFragmentShader},
			needs:   true,
		},
		"LayoutDiffers": {
			tracked: Access{Access: device.AccessShaderRead, Stage: device.PipelineStageFragmentShader, Layout: device.ImageLayoutShaderReadOnlyOptimal},
			target:  Access{Access: device.AccessShaderRead, Stage: device.PipelineStageFragmentShader, Layout: device.ImageLayoutGeneral},
			needs:   true,
		},
		"AfterWrite": {
			tracked: Access{Access: device.AccessShaderWrite | device.AccessShaderRead, Stage: device.PipelineStageFragmentShader},
			target:  shaderRead,
			needs:   true,
		},
		"WriteAfterRead": {
			tracked: Access{Access: device.AccessShaderRead | device.AccessShaderWrite, Stage: device.PipelineStageComputeShader},
			target:  Access{Access: device.AccessShaderWrite, Stage: device.PipelineStageComputeShader},
			needs:   true,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.needs, needsBarrier(testCase.tracked, testCase.target))
		})
	}
}

func TestNeedsBarrierIdempotent(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	c := readyContext(t, tracker)
	st := engine.NewState(StateOptions{Image: 5})

	layout := device.ImageLayoutShaderReadOnlyOptimal
	require.True(t, engine.NeedsBarrier(st, device.AccessShaderRead, 0, layout))

	_, recorded, err := engine.EmitBarrier(context.Background(), c.Batch(), st, device.AccessShaderRead, 0, layout, nil)
	require.NoError(t, err)
	require.True(t, recorded)

	require.False(t, engine.NeedsBarrier(st, device.AccessShaderRead, 0, layout))
	require.False(t, engine.NeedsBarrier(st, device.AccessShaderRead, 0, layout))

	_, recorded, err = engine.EmitBarrier(context.Background(), c.Batch(), st, device.AccessShaderRead, 0, layout, nil)
	require.NoError(t, err)
	require.False(t, recorded)
	require.Equal(t, 1, barrierCount(c.Batch()))
}

func TestWriteThenReadScenario(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	c := readyContext(t, tracker)
	batch := c.Batch()
	st := engine.NewState(StateOptions{Buffer: 9})
	ctx := context.Background()

	// Stage A writes, and the barrier that follows makes the result visible to both
	// shader stages
	_, recorded, err := engine.EmitBarrier(ctx, batch, st, device.AccessTransferWrite, device.PipelineStageTransfer, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.True(t, recorded)

	_, recorded, err = engine.EmitBarrier(ctx, batch, st, device.AccessShaderRead, device.PipelineStageVertexShader|device.PipelineStageFragmentShader, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.True(t, recorded)
	require.Equal(t, 2, barrierCount(batch))

	// Stage B's read is already covered
	_, recorded, err = engine.EmitBarrier(ctx, batch, st, device.AccessShaderRead, device.PipelineStageFragmentShader, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.False(t, recorded)
	require.Equal(t, 2, barrierCount(batch))

	// Widening B's access needs exactly one more
	_, recorded, err = engine.EmitBarrier(ctx, batch, st, device.AccessShaderRead|device.AccessUniformRead, device.PipelineStageFragmentShader, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.True(t, recorded)
	require.Equal(t, 3, barrierCount(batch))

	_, recorded, err = engine.EmitBarrier(ctx, batch, st, device.AccessUniformRead, device.PipelineStageFragmentShader, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.False(t, recorded)
	require.Equal(t, 3, barrierCount(batch))
}

func TestEmitBarrierRecordsTransition(t *testing.T) {
	ctrl := gomock.NewController(t)
	ordered := mock_device.NewMockCommandBuffer(ctrl)
	unordered := mock_device.NewMockCommandBuffer(ctrl)
	dev := &mockCommandDevice{
		FakeDevice: devicetest.NewDiscreteDevice(),
		buffers:    []device.CommandBuffer{ordered, unordered},
	}

	tracker, engine := readyEngine(t, dev)
	c := readyContext(t, tracker)
	st := engine.NewState(StateOptions{Image: 3, Aspect: 1})

	unordered.EXPECT().PipelineBarrier(device.Barrier{
		SrcStage:  device.PipelineStageTopOfPipe,
		DstStage:  device.PipelineStageTransfer,
		DstAccess: device.AccessTransferWrite,
		OldLayout: device.ImageLayoutUndefined,
		NewLayout: device.ImageLayoutTransferDstOptimal,
		Image:     3,
		Aspect:    1,
	})
	unordered.EXPECT().PipelineBarrier(device.Barrier{
		SrcStage:  device.PipelineStageTransfer,
		DstStage:  device.PipelineStageFragmentShader,
		SrcAccess: device.AccessTransferWrite,
		DstAccess: device.AccessShaderRead,
		OldLayout: device.ImageLayoutTransferDstOptimal,
		NewLayout: device.ImageLayoutShaderReadOnlyOptimal,
		Image:     3,
		Aspect:    1,
	})

	ctx := context.Background()
	stream, recorded, err := engine.EmitBarrier(ctx, c.Batch(), st, device.AccessTransferWrite, device.PipelineStageTransfer, device.ImageLayoutTransferDstOptimal, nil)
	require.NoError(t, err)
	require.True(t, recorded)
	require.Equal(t, StreamUnordered, stream)

	stream, recorded, err = engine.EmitBarrier(ctx, c.Batch(), st, device.AccessShaderRead, device.PipelineStageFragmentShader, device.ImageLayoutShaderReadOnlyOptimal, nil)
	require.NoError(t, err)
	require.True(t, recorded)
	require.Equal(t, StreamUnordered, stream)

	require.Equal(t, device.ImageLayoutShaderReadOnlyOptimal, st.Ordered().Layout)
	require.Equal(t, device.ImageLayoutShaderReadOnlyOptimal, st.Unordered().Layout)
}

func TestPromotionToOrdered(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	c := readyContext(t, tracker)
	st := engine.NewState(StateOptions{Buffer: 4})
	ctx := context.Background()

	stream, _, err := engine.EmitBarrier(ctx, c.Batch(), st, device.AccessShaderRead, device.PipelineStageComputeShader, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, StreamUnordered, stream)

	// A bound use is always ordered
	engine.Bind(st, 0, device.AccessShaderRead|device.AccessShaderWrite, device.PipelineStageComputeShader, device.ImageLayoutUndefined)
	count, err := engine.FlushDeferred(ctx, c.Batch())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	read, write := st.UnorderedEligible(c.Batch())
	require.False(t, read)
	require.False(t, write)

	for _, access := range []device.AccessFlags{device.AccessTransferRead, device.AccessTransferWrite, device.AccessShaderRead} {
		stream, _, err = engine.EmitBarrier(ctx, c.Batch(), st, access, 0, device.ImageLayoutUndefined, nil)
		require.NoError(t, err)
		require.Equal(t, StreamOrdered, stream)
	}

	// The next submission starts over
	require.NoError(t, c.Flush(ctx))
	stream, _, err = engine.EmitBarrier(ctx, c.Batch(), st, device.AccessTransferRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, StreamUnordered, stream)

	engine.ResetSubmission(st)
	read, write = st.UnorderedEligible(c.Batch())
	require.True(t, read)
	require.True(t, write)
}

func TestDisableReorder(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	tracker := fence.NewTracker(dev, fence.TrackerOptions{Logger: testLogger()})
	engine := NewEngine(EngineOptions{Logger: testLogger(), Tracker: tracker, DisableReorder: true})
	c := readyContext(t, tracker)

	st := engine.NewState(StateOptions{Buffer: 1})
	stream, _, err := engine.EmitBarrier(context.Background(), c.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, StreamOrdered, stream)
	require.False(t, c.Batch().HasUnordered())
}

func TestCopyAccess(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	c := readyContext(t, tracker)
	ctx := context.Background()

	src := engine.NewState(StateOptions{Buffer: 1})
	dst := engine.NewState(StateOptions{Buffer: 2})

	stream, err := engine.CopyAccess(ctx, c.Batch(), src, dst, nil)
	require.NoError(t, err)
	require.Equal(t, StreamUnordered, stream)
	require.Equal(t, device.AccessTransferWrite, dst.Ordered().Access)
	require.True(t, dst.Usage().Write().Matches(c.Batch().Token()))

	// src becomes ordered, which drags the next copy and dst with it
	engine.Bind(src, 0, device.AccessVertexAttributeRead, 0, device.ImageLayoutUndefined)
	_, err = engine.FlushDeferred(ctx, c.Batch())
	require.NoError(t, err)

	stream, err = engine.CopyAccess(ctx, c.Batch(), src, dst, nil)
	require.NoError(t, err)
	require.Equal(t, StreamOrdered, stream)

	read, write := dst.UnorderedEligible(c.Batch())
	require.False(t, read)
	require.False(t, write)

	stream, err = engine.CopyAccess(ctx, c.Batch(), dst, dst, nil)
	require.NoError(t, err)
	require.Equal(t, StreamOrdered, stream)
}

func TestCopyAccessImageLayouts(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	c := readyContext(t, tracker)

	src := engine.NewState(StateOptions{Image: 1})
	dst := engine.NewState(StateOptions{Image: 2})

	_, err := engine.CopyAccess(context.Background(), c.Batch(), src, dst, nil)
	require.NoError(t, err)
	require.Equal(t, device.ImageLayoutTransferSrcOptimal, src.Ordered().Layout)
	require.Equal(t, device.ImageLayoutTransferDstOptimal, dst.Ordered().Layout)
	require.Equal(t, 2, barrierCount(c.Batch()))
}

func TestBatchRetainsOwner(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	c := readyContext(t, tracker)
	ctx := context.Background()

	owner := &countedOwner{}
	st := engine.NewState(StateOptions{Buffer: 1, Owner: owner})

	_, _, err := engine.EmitBarrier(ctx, c.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	_, _, err = engine.EmitBarrier(ctx, c.Batch(), st, device.AccessShaderWrite, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), owner.refs.Load())

	require.NoError(t, c.Finish(ctx))
	require.Equal(t, int32(0), owner.refs.Load())
}

func TestDeferredRebarrier(t *testing.T) {
	ctrl := gomock.NewController(t)
	ordered := mock_device.NewMockCommandBuffer(ctrl)
	unordered := mock_device.NewMockCommandBuffer(ctrl)
	dev := &mockCommandDevice{
		FakeDevice: devicetest.NewDiscreteDevice(),
		buffers:    []device.CommandBuffer{ordered, unordered},
	}

	tracker, engine := readyEngine(t, dev)
	c := readyContext(t, tracker)
	ctx := context.Background()
	st := engine.NewState(StateOptions{Buffer: 12})

	ordered.EXPECT().PipelineBarrier(device.Barrier{
		SrcStage:  device.PipelineStageTopOfPipe,
		DstStage:  device.PipelineStageVertexShader | device.PipelineStageFragmentShader,
		DstAccess: device.AccessShaderRead | device.AccessShaderWrite,
		Buffer:    12,
	})

	engine.Bind(st, 0, device.AccessShaderRead, device.PipelineStageVertexShader, device.ImageLayoutUndefined)
	// A read of an untouched buffer needs nothing
	require.False(t, engine.IsDeferred(st))

	engine.Bind(st, 1, device.AccessShaderRead|device.AccessShaderWrite, device.PipelineStageFragmentShader, device.ImageLayoutUndefined)
	require.True(t, engine.IsDeferred(st))

	// Binding more slots batches into the same barrier
	engine.Bind(st, 2, device.AccessShaderRead, device.PipelineStageFragmentShader, device.ImageLayoutUndefined)

	count, err := engine.FlushDeferred(ctx, c.Batch())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.False(t, engine.IsDeferred(st))

	// A diverging bind that is dropped again before the flush records nothing
	engine.Unbind(st, 1)
	engine.Bind(st, 3, device.AccessUniformRead, device.PipelineStageFragmentShader, device.ImageLayoutUndefined)
	require.True(t, engine.IsDeferred(st))
	engine.Unbind(st, 3)
	engine.Unbind(st, 2)
	engine.Unbind(st, 0)

	count, err = engine.FlushDeferred(ctx, c.Batch())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCrossContextContested(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	first := readyContext(t, tracker)
	second := readyContext(t, tracker)
	ctx := context.Background()
	st := engine.NewState(StateOptions{Buffer: 1})

	stream, _, err := engine.EmitBarrier(ctx, first.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, StreamUnordered, stream)

	// Both batches are still recording, so neither may reorder
	stream, _, err = engine.EmitBarrier(ctx, second.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, StreamOrdered, stream)

	stream, _, err = engine.EmitBarrier(ctx, first.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, StreamOrdered, stream)

	require.NoError(t, first.Flush(ctx))
	require.NoError(t, second.Flush(ctx))

	stream, _, err = engine.EmitBarrier(ctx, second.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.Equal(t, StreamUnordered, stream)
}

func TestCrossContextWriteIsWaitedFor(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	tracker, engine := readyEngine(t, dev)
	writer := readyContext(t, tracker)
	reader := readyContext(t, tracker)
	ctx := context.Background()
	st := engine.NewState(StateOptions{Buffer: 1})

	writeBatch := writer.Batch()
	_, _, err := engine.EmitBarrier(ctx, writeBatch, st, device.AccessShaderWrite, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.False(t, writeBatch.Token().IsSubmitted())

	// The reader forces the writer's batch to the device and waits for it
	_, _, err = engine.EmitBarrier(ctx, reader.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	require.True(t, writeBatch.Token().IsSubmitted())
	require.True(t, tracker.Check(st.Usage().Write()))
	require.NotSame(t, writeBatch, writer.Batch())
}

func TestCrossContextPromotionRace(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	st := engine.NewState(StateOptions{Buffer: 1})
	ctx := context.Background()

	const contexts = 4
	const accesses = 200

	streams := make([][]Stream, contexts)
	var wg sync.WaitGroup
	for i := 0; i < contexts; i++ {
		c := readyContext(t, tracker)
		batch := c.Batch()

		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			for j := 0; j < accesses; j++ {
				access := device.AccessShaderRead
				if j%3 == 0 {
					access |= device.AccessUniformRead
				}
				stream, _, err := engine.EmitBarrier(ctx, batch, st, access, device.PipelineStageFragmentShader, device.ImageLayoutUndefined, nil)
				if err != nil {
					t.Error(err)
					return
				}
				streams[index] = append(streams[index], stream)
			}
		}(i)
	}
	wg.Wait()

	for index, recorded := range streams {
		require.Len(t, recorded, accesses)

		ordered := false
		for position, stream := range recorded {
			if stream == StreamOrdered {
				ordered = true
				continue
			}
			require.False(t, ordered, "context %d went back to the unordered stream at access %d", index, position)
		}
	}
}

func TestRecordingAfterForeignFlushIsRefused(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	dev.ManualTimeline = true
	tracker, engine := readyEngine(t, dev)
	writer, err := fence.NewContext(tracker, fence.ContextOptions{})
	require.NoError(t, err)
	reader, err := fence.NewContext(tracker, fence.ContextOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		tracker.SetDeviceLost()
		_ = writer.Destroy(context.Background())
		_ = reader.Destroy(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	st := engine.NewState(StateOptions{Buffer: 1})
	other := engine.NewState(StateOptions{Buffer: 2})

	writeBatch := writer.Batch()
	_, _, err = engine.EmitBarrier(ctx, writeBatch, st, device.AccessShaderWrite, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)

	// The reader flushes the writer's batch, then gives up waiting on the stalled timeline
	_, _, err = engine.EmitBarrier(ctx, reader.Batch(), st, device.AccessShaderRead, 0, device.ImageLayoutUndefined, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, writeBatch.IsClosed())
	require.True(t, writeBatch.Token().IsSubmitted())

	before := barrierCount(writeBatch)
	called := false
	_, _, err = engine.EmitBarrier(context.Background(), writeBatch, other, device.AccessShaderWrite, 0, device.ImageLayoutUndefined, func(device.CommandBuffer) {
		called = true
	})
	require.ErrorIs(t, err, fence.ErrBatchSubmitted)
	require.False(t, called)
	require.Equal(t, before, barrierCount(writeBatch))
	require.False(t, other.Usage().Write().IsSet())

	_, err = engine.CopyAccess(context.Background(), writeBatch, nil, other, nil)
	require.ErrorIs(t, err, fence.ErrBatchSubmitted)
	require.False(t, other.Usage().Write().IsSet())

	// The write belongs in the batch that replaced the flushed one
	_, _, err = engine.EmitBarrier(context.Background(), writer.Batch(), other, device.AccessShaderWrite, 0, device.ImageLayoutUndefined, nil)
	require.NoError(t, err)
	usage := other.Usage().Write()
	require.False(t, usage.Token().IsSubmitted())

	dev.Signal(1)
	require.False(t, tracker.Check(usage))
}

func TestFlushDeferredRequeuesOnClosedBatch(t *testing.T) {
	tracker, engine := readyEngine(t, devicetest.NewDiscreteDevice())
	c := readyContext(t, tracker)
	ctx := context.Background()
	st := engine.NewState(StateOptions{Buffer: 1})

	engine.Bind(st, 0, device.AccessShaderWrite, device.PipelineStageComputeShader, device.ImageLayoutUndefined)
	require.True(t, engine.IsDeferred(st))

	closed := c.Batch()
	require.NoError(t, c.Flush(ctx))

	_, err := engine.FlushDeferred(ctx, closed)
	require.ErrorIs(t, err, fence.ErrBatchSubmitted)
	require.True(t, engine.IsDeferred(st))

	count, err := engine.FlushDeferred(ctx, c.Batch())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.False(t, engine.IsDeferred(st))
}

func TestCrossContextMixedReadWrite(t *testing.T) {
	dev := devicetest.NewDiscreteDevice()
	tracker, engine := readyEngine(t, dev)
	ctx := context.Background()

	states := []*State{
		engine.NewState(StateOptions{Buffer: 1}),
		engine.NewState(StateOptions{Buffer: 2}),
	}

	const contexts = 4
	const accesses = 150

	fctxs := make([]*fence.Context, contexts)
	recorded := make([]int, contexts)
	var wg sync.WaitGroup
	for i := 0; i < contexts; i++ {
		fctxs[i] = readyContext(t, tracker)

		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			c := fctxs[index]
			marker := device.BufferHandle(1000 + index)
			for j := 0; j < accesses; j++ {
				st := states[(index+j)%len(states)]
				access := device.AccessShaderRead
				if j%4 == index%4 {
					access = device.AccessShaderWrite
				}

				for {
					_, _, err := engine.EmitBarrier(ctx, c.Batch(), st, access, device.PipelineStageComputeShader, device.ImageLayoutUndefined, func(commands device.CommandBuffer) {
						commands.CopyBuffer(marker, marker)
						recorded[index]++
					})
					if errors.Is(err, fence.ErrBatchSubmitted) {
						continue
					}
					if err != nil {
						t.Error(err)
						return
					}
					break
				}

				if j%25 == 0 {
					if err := c.FlushAsync(); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()

	for _, c := range fctxs {
		require.NoError(t, c.Finish(ctx))
	}
	for _, st := range states {
		require.True(t, tracker.Check(st.Usage().Write()))
		for _, read := range st.Usage().Reads() {
			require.True(t, tracker.Check(read))
		}
	}

	// Every command recorded was part of a submission
	submitted := make([]int, contexts)
	for _, submission := range dev.Submissions {
		for _, commands := range submission.CommandBuffers {
			for _, copyCmd := range commands.(*devicetest.CommandBuffer).BufferCopies {
				submitted[int(copyCmd.Src)-1000]++
			}
		}
	}
	for index := range fctxs {
		require.Equal(t, accesses, recorded[index])
		require.Equal(t, recorded[index], submitted[index], "context %d", index)
	}
}
