package fence

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gallium/device"
)

// Releaser is an object a batch keeps alive until the batch completes
type Releaser interface {
	Release()
}

// Batch is one unit of recorded work that is submitted together and signals one timeline
// value. It records into two streams: commands in the unordered stream may be reordered
// among themselves and are submitted ahead of the ordered stream.
//
// Recording happens between BeginRecording and EndRecording. A flush closes the batch, and
// closing waits for every recording in progress, so nothing lands in a batch after it was
// handed to the device.
type Batch struct {
	context *Context
	token   *Token

	recordMutex sync.RWMutex
	closed      bool

	mutex        sync.Mutex
	ordered      device.CommandBuffer
	unordered    device.CommandBuffer
	hasUnordered bool
	retained     []Releaser
}

func (b *Batch) Context() *Context {
	return b.context
}

func (b *Batch) Token() *Token {
	return b.token
}

// Usage returns a marker for this batch's current submission
func (b *Batch) Usage() Usage {
	return UsageOf(b.token)
}

// Ordered returns the command stream that executes in recorded order
func (b *Batch) Ordered() device.CommandBuffer {
	return b.ordered
}

// Unordered returns the reorderable command stream
func (b *Batch) Unordered() device.CommandBuffer {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.hasUnordered = true
	return b.unordered
}

func (b *Batch) HasUnordered() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.hasUnordered
}

// BeginRecording starts recording into the batch. It fails with ErrBatchSubmitted once
// the batch has been flushed. Recorders must not flush or wait on other contexts until
// they call EndRecording.
func (b *Batch) BeginRecording() error {
	b.recordMutex.RLock()
	if b.closed {
		b.recordMutex.RUnlock()
		return errors.Wrapf(ErrBatchSubmitted, "recording into batch %d", b.token.SubmitCount())
	}
	return nil
}

func (b *Batch) EndRecording() {
	b.recordMutex.RUnlock()
}

// IsClosed reports whether the batch has been flushed
func (b *Batch) IsClosed() bool {
	b.recordMutex.RLock()
	defer b.recordMutex.RUnlock()

	return b.closed
}

// close waits out recordings in progress and refuses later ones
func (b *Batch) close() {
	b.recordMutex.Lock()
	defer b.recordMutex.Unlock()

	b.closed = true
}

// Retain keeps r alive until the batch completes
func (b *Batch) Retain(r Releaser) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.retained = append(b.retained, r)
}

func (b *Batch) commandBuffers() []device.CommandBuffer {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.hasUnordered {
		return []device.CommandBuffer{b.unordered, b.ordered}
	}
	return []device.CommandBuffer{b.ordered}
}

func (b *Batch) releaseAll() {
	b.mutex.Lock()
	retained := b.retained
	b.retained = nil
	b.mutex.Unlock()

	for _, r := range retained {
		r.Release()
	}
}
