package barrier

import (
	"context"

	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
)

// Bind records that a bind slot of st is used with the given access. A resource bound to
// several slots needs the union of their requirements. No barrier is recorded here: when
// the union is not covered by the tracked state, st is queued for FlushDeferred.
func (e *Engine) Bind(st *State, slot int, access device.AccessFlags, stage device.PipelineStageFlags, layout device.ImageLayout) {
	target := normalize(Access{Access: access, Stage: stage, Layout: layout})

	st.mutex.Lock()
	for len(st.binds) <= slot {
		st.binds = append(st.binds, bindSlot{})
	}
	st.binds[slot] = bindSlot{access: target, bound: true}

	required, _ := st.bindRequirementLocked()
	queue := !st.deferred && needsBarrier(st.ordered, required)
	if queue {
		st.deferred = true
	}
	st.mutex.Unlock()

	if queue {
		e.deferredMutex.Lock()
		defer e.deferredMutex.Unlock()
		e.deferred.Put(st, struct{}{})
	}
}

// Unbind clears a bind slot of st
func (e *Engine) Unbind(st *State, slot int) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if slot < len(st.binds) {
		st.binds[slot] = bindSlot{}
	}
}

// IsDeferred reports whether st is waiting for FlushDeferred
func (e *Engine) IsDeferred(st *State) bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	return st.deferred
}

// FlushDeferred records one barrier per queued state into the ordered stream of batch,
// covering every slot the state is bound to. States whose binds are already covered, or
// were all unbound, are dropped without a barrier. It returns the number of barriers
// recorded.
func (e *Engine) FlushDeferred(ctx context.Context, batch *fence.Batch) (int, error) {
	e.logger.Debug("Engine::FlushDeferred")

	e.deferredMutex.Lock()
	var pending []*State
	e.deferred.Iter(func(st *State, _ struct{}) bool {
		pending = append(pending, st)
		return false
	})
	e.deferred.Clear()
	e.deferredMutex.Unlock()

	recorded := 0
	for i, st := range pending {
		st.mutex.Lock()
		required, bound := st.bindRequirementLocked()
		st.deferred = false
		st.mutex.Unlock()

		if !bound {
			continue
		}

		err := e.syncForeign(ctx, batch, st, required.Access.IsWrite())
		if err == nil {
			err = batch.BeginRecording()
		}
		if err != nil {
			e.requeue(pending[i:])
			return recorded, err
		}

		st.mutex.Lock()
		st.beginBatchLocked(batch)
		// Bound resources are used by draws and dispatches, which are always ordered
		st.unorderedRead = false
		st.unorderedWrite = false
		if e.recordLocked(batch, st, StreamOrdered, required) {
			recorded++
		}
		e.markUsedLocked(batch, st, required.Access.IsWrite())
		st.mutex.Unlock()
		batch.EndRecording()
	}

	return recorded, nil
}

// requeue puts states back in the deferred set after a FlushDeferred that could not finish
func (e *Engine) requeue(states []*State) {
	e.deferredMutex.Lock()
	defer e.deferredMutex.Unlock()

	for _, st := range states {
		st.mutex.Lock()
		st.deferred = true
		st.mutex.Unlock()
		e.deferred.Put(st, struct{}{})
	}
}
