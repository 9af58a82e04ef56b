package fence

import (
	"context"
	"sync"
	"sync/atomic"
)

// Flusher is anything that can push its pending work to the device. A batch's owning
// context is a Flusher.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Token is the completion state shared by every usage marker that refers to one batch.
// Tokens are recycled: each Reset bumps the submit counter, and markers taken before the
// reset are then known to be complete.
//
// Reads are lock free. Every transition of the done flag happens under mutex, so a
// completion observed for one submission can never land on the next.
type Token struct {
	owner Flusher

	mutex       sync.Mutex
	submitCount atomic.Uint32
	// timeline is the device timeline value signaled when the batch completes. Zero
	// means the batch has not been submitted.
	timeline atomic.Uint64
	done     atomic.Bool
}

func NewToken(owner Flusher) *Token {
	return &Token{owner: owner}
}

func (t *Token) Owner() Flusher {
	return t.owner
}

func (t *Token) SubmitCount() uint32 {
	return t.submitCount.Load()
}

func (t *Token) Timeline() uint64 {
	return t.timeline.Load()
}

func (t *Token) IsSubmitted() bool {
	return t.timeline.Load() != 0
}

func (t *Token) IsDone() bool {
	return t.done.Load()
}

// Reset readies the token for a new batch
func (t *Token) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// Markers of the old submission go stale before its completion state is cleared
	t.submitCount.Add(1)
	t.timeline.Store(0)
	t.done.Store(false)
}

func (t *Token) markSubmitted(value uint64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.timeline.Store(value)
}

// markDone sets the fast path flag if the token still describes the batch that reached
// the given timeline value
func (t *Token) markDone(value uint64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if value != 0 && t.timeline.Load() == value {
		t.done.Store(true)
	}
}

// abandon resolves a batch that will never reach the device. Nothing it recorded runs, so
// everything waiting on it may proceed.
func (t *Token) abandon() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.done.Store(true)
}

// Usage marks a resource as used by one submission of a token. The zero Usage is unset and
// always complete.
type Usage struct {
	token       *Token
	submitCount uint32
}

// UsageOf returns a marker for the token's current submission
func UsageOf(token *Token) Usage {
	return Usage{token: token, submitCount: token.SubmitCount()}
}

func (u Usage) IsSet() bool {
	return u.token != nil
}

func (u Usage) Token() *Token {
	return u.token
}

// Matches reports whether the marker refers to the token's current submission
func (u Usage) Matches(token *Token) bool {
	return u.token != nil && u.token == token && u.submitCount == token.SubmitCount()
}

// IsStale reports whether the token has been recycled since the marker was taken
func (u Usage) IsStale() bool {
	return u.token != nil && u.submitCount != u.token.SubmitCount()
}
