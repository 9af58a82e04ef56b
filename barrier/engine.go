package barrier

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/internal/utils"
	"golang.org/x/exp/slog"
)

// Stream selects which command stream of a batch a command is recorded into
type Stream int

const (
	StreamOrdered Stream = iota
	StreamUnordered
)

var streamMapping = map[Stream]string{
	StreamOrdered:   "StreamOrdered",
	StreamUnordered: "StreamUnordered",
}

func (s Stream) String() string {
	return streamMapping[s]
}

// CommandBuffer returns the batch's command buffer for the stream
func (s Stream) CommandBuffer(batch *fence.Batch) device.CommandBuffer {
	if s == StreamUnordered {
		return batch.Unordered()
	}
	return batch.Ordered()
}

type EngineOptions struct {
	// Logger receives debug output. A nil Logger discards.
	Logger *slog.Logger
	// Tracker is used to wait for other contexts' use of a resource. A nil Tracker skips
	// cross-context synchronization.
	Tracker *fence.Tracker
	// ExternallySynchronized switches off the locks of the engine and every state it makes
	ExternallySynchronized bool
	// DisableReorder records everything into the ordered stream
	DisableReorder bool
}

// Engine decides which barriers a resource access needs and which stream the access may be
// recorded into
type Engine struct {
	logger         *slog.Logger
	tracker        *fence.Tracker
	useMutex       bool
	disableReorder bool

	deferredMutex utils.OptionalMutex
	deferred      *swiss.Map[*State, struct{}]
}

func NewEngine(options EngineOptions) *Engine {
	useMutex := !options.ExternallySynchronized

	return &Engine{
		logger:         utils.LoggerOrDiscard(options.Logger),
		tracker:        options.Tracker,
		useMutex:       useMutex,
		disableReorder: options.DisableReorder,
		deferredMutex:  utils.OptionalMutex{UseMutex: useMutex},
		deferred:       swiss.NewMap[*State, struct{}](16),
	}
}

// NewState makes the access state for one resource
func (e *Engine) NewState(options StateOptions) *State {
	return newState(e.useMutex, options)
}

func normalize(target Access) Access {
	if target.Stage == 0 {
		target.Stage = device.PipelineStageForAccess(target.Access)
	}
	return target
}

// needsBarrier compares the tracked state with a requested access. Writes are never
// covered by an earlier barrier, and neither is anything that follows a write.
func needsBarrier(tracked, target Access) bool {
	if tracked.IsUnset() {
		// Reading an object nothing has touched yet, in the layout it was created in
		return target.Access.IsWrite() || target.Layout != tracked.Layout
	}

	return tracked.Layout != target.Layout ||
		tracked.Stage&target.Stage != target.Stage ||
		tracked.Access&target.Access != target.Access ||
		tracked.Access.IsWrite() ||
		target.Access.IsWrite()
}

// NeedsBarrier reports whether recording the access into the ordered stream requires a
// barrier first. A zero stage is derived from the access.
func (e *Engine) NeedsBarrier(st *State, access device.AccessFlags, stage device.PipelineStageFlags, layout device.ImageLayout) bool {
	target := normalize(Access{Access: access, Stage: stage, Layout: layout})

	st.mutex.Lock()
	defer st.mutex.Unlock()

	return needsBarrier(st.ordered, target)
}

// EmitBarrier prepares st for an access by batch. It picks the stream the access must be
// recorded into, records a barrier there if one is needed and marks st as used by the
// batch. Accesses of other contexts that conflict with this one are waited for first.
//
// A non-nil record is called with the selected stream's command buffer to record the
// access itself. It runs before the batch can be flushed, so the barrier and the command
// always land in the same submission. If the batch was flushed already, EmitBarrier fails
// with fence.ErrBatchSubmitted and st is left untouched.
func (e *Engine) EmitBarrier(ctx context.Context, batch *fence.Batch, st *State, access device.AccessFlags, stage device.PipelineStageFlags, layout device.ImageLayout, record func(device.CommandBuffer)) (Stream, bool, error) {
	e.logger.Debug("Engine::EmitBarrier")

	target := normalize(Access{Access: access, Stage: stage, Layout: layout})

	err := e.syncForeign(ctx, batch, st, target.Access.IsWrite())
	if err != nil {
		return StreamOrdered, false, err
	}

	err = batch.BeginRecording()
	if err != nil {
		return StreamOrdered, false, err
	}
	defer batch.EndRecording()

	st.mutex.Lock()
	defer st.mutex.Unlock()

	st.beginBatchLocked(batch)
	stream := e.selectStreamLocked(st, target.Access.IsWrite())
	recorded := e.recordLocked(batch, st, stream, target)
	e.markUsedLocked(batch, st, target.Access.IsWrite())

	if record != nil {
		record(stream.CommandBuffer(batch))
	}

	return stream, recorded, nil
}

// CopyAccess readies src to be read and dst to be written by a transfer, then calls record
// (if non-nil) with the command buffer the copy belongs in. The copy may use the unordered
// stream only if both objects allow it. A nil src or dst is skipped. Like EmitBarrier it
// fails with fence.ErrBatchSubmitted once batch has been flushed.
func (e *Engine) CopyAccess(ctx context.Context, batch *fence.Batch, src, dst *State, record func(device.CommandBuffer)) (Stream, error) {
	e.logger.Debug("Engine::CopyAccess")

	if src != nil && src == dst {
		stream, _, err := e.EmitBarrier(ctx, batch, dst, device.AccessTransferRead|device.AccessTransferWrite, device.PipelineStageTransfer, transferLayout(dst, device.ImageLayoutGeneral), record)
		return stream, err
	}

	if src != nil {
		err := e.syncForeign(ctx, batch, src, false)
		if err != nil {
			return StreamOrdered, err
		}
	}
	if dst != nil {
		err := e.syncForeign(ctx, batch, dst, true)
		if err != nil {
			return StreamOrdered, err
		}
	}

	err := batch.BeginRecording()
	if err != nil {
		return StreamOrdered, err
	}
	defer batch.EndRecording()

	states := lockOrder(src, dst)
	for _, st := range states {
		st.mutex.Lock()
		defer st.mutex.Unlock()
	}

	unordered := !e.disableReorder
	if src != nil {
		src.beginBatchLocked(batch)
		unordered = unordered && src.unorderedRead
	}
	if dst != nil {
		dst.beginBatchLocked(batch)
		unordered = unordered && dst.unorderedWrite
	}

	stream := StreamOrdered
	if unordered {
		stream = StreamUnordered
	}

	if src != nil {
		if !unordered {
			src.unorderedRead, src.unorderedWrite = false, false
		}
		e.recordLocked(batch, src, stream, Access{
			Access: device.AccessTransferRead,
			Stage:  device.PipelineStageTransfer,
			Layout: transferLayout(src, device.ImageLayoutTransferSrcOptimal),
		})
		e.markUsedLocked(batch, src, false)
	}
	if dst != nil {
		if !unordered {
			dst.unorderedRead, dst.unorderedWrite = false, false
		}
		e.recordLocked(batch, dst, stream, Access{
			Access: device.AccessTransferWrite,
			Stage:  device.PipelineStageTransfer,
			Layout: transferLayout(dst, device.ImageLayoutTransferDstOptimal),
		})
		e.markUsedLocked(batch, dst, true)
	}

	if record != nil {
		record(stream.CommandBuffer(batch))
	}

	return stream, nil
}

func transferLayout(st *State, imageLayout device.ImageLayout) device.ImageLayout {
	if st.image == 0 {
		return device.ImageLayoutUndefined
	}
	return imageLayout
}

func lockOrder(a, b *State) []*State {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return []*State{b}
	case b == nil:
		return []*State{a}
	case a.id < b.id:
		return []*State{a, b}
	default:
		return []*State{b, a}
	}
}

// ResetSubmission makes every given state eligible for the unordered stream again. It is
// called after the batch that used them has been flushed.
func (e *Engine) ResetSubmission(states ...*State) {
	for _, st := range states {
		st.ResetForBatch()
	}
}

// selectStreamLocked applies the promotion rule: an access may be unordered only while
// everything recorded for the state in this submission was unordered. The first ordered
// access holds every later one to the ordered stream.
func (e *Engine) selectStreamLocked(st *State, write bool) Stream {
	unordered := !e.disableReorder && st.unorderedRead
	if write {
		unordered = !e.disableReorder && st.unorderedWrite
	}

	if unordered {
		return StreamUnordered
	}

	st.unorderedRead = false
	st.unorderedWrite = false
	return StreamOrdered
}

// recordLocked records a barrier into stream if the access requires one and advances the
// tracked state. The unordered stream runs ahead of the ordered one, so an unordered
// access also becomes the ordered stream's starting point.
func (e *Engine) recordLocked(batch *fence.Batch, st *State, stream Stream, target Access) bool {
	tracked := st.ordered
	if stream == StreamUnordered {
		tracked = st.unordered
	}

	if !needsBarrier(tracked, target) {
		return false
	}

	srcStage := tracked.Stage
	if srcStage == 0 {
		srcStage = device.PipelineStageTopOfPipe
	}

	stream.CommandBuffer(batch).PipelineBarrier(device.Barrier{
		SrcStage:  srcStage,
		DstStage:  target.Stage,
		SrcAccess: tracked.Access,
		DstAccess: target.Access,
		OldLayout: tracked.Layout,
		NewLayout: target.Layout,
		Buffer:    st.buffer,
		Image:     st.image,
		Aspect:    st.aspect,
	})

	st.ordered = target
	if stream == StreamUnordered {
		st.unordered = target
	}

	return true
}

func (e *Engine) markUsedLocked(batch *fence.Batch, st *State, write bool) {
	if st.owner != nil && !st.usage.Matches(batch) {
		st.owner.Ref()
		batch.Retain(st.owner)
	}

	if write {
		st.usage.SetWrite(batch)
	} else {
		st.usage.SetRead(batch)
	}
}

// syncForeign waits for other contexts' unfinished use of st. A read waits for the last
// write, and a write waits for every read and write.
func (e *Engine) syncForeign(ctx context.Context, batch *fence.Batch, st *State, write bool) error {
	if e.tracker == nil {
		return nil
	}

	usages := []fence.Usage{st.usage.Write()}
	if write {
		usages = append(usages, st.usage.Reads()...)
	}

	for _, usage := range usages {
		if !usage.IsSet() || usage.IsStale() || usage.Token() == batch.Token() {
			continue
		}
		if usage.Token().Owner() == batch.Context() {
			continue
		}

		_, err := e.tracker.Finish(ctx, usage)
		if err != nil {
			return errors.Wrap(err, "waiting for another context's use of a resource")
		}
	}

	return nil
}
