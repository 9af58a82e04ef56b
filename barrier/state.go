package barrier

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/internal/utils"
)

// Access is one tracked or requested use of a resource
type Access struct {
	Access device.AccessFlags
	Stage  device.PipelineStageFlags
	Layout device.ImageLayout
}

// IsUnset reports whether nothing has been recorded
func (a Access) IsUnset() bool {
	return a.Access == 0 && a.Stage == 0
}

// Covers reports whether every access and stage bit of other is already part of a, in
// the same layout
func (a Access) Covers(other Access) bool {
	return a.Layout == other.Layout && a.Stage&other.Stage == other.Stage && a.Access&other.Access == other.Access
}

func (a Access) String() string {
	return fmt.Sprintf("{%s, %s, %s}", a.Access, a.Stage, a.Layout)
}

// Retainable is an object that a batch must keep alive while it uses the object
type Retainable interface {
	fence.Releaser
	Ref()
}

type StateOptions struct {
	Buffer device.BufferHandle
	Image  device.ImageHandle
	Aspect gputypes.TextureAspect
	// Usage receives the read and write markers of every batch that records an access.
	// Nil gives the state its own.
	Usage *fence.BatchUsage
	// Owner is retained by each batch the first time the batch uses the state
	Owner Retainable
}

type bindSlot struct {
	access Access
	bound  bool
}

var nextStateID atomic.Uint64

// State is the access state of one resource: the ordered state is authoritative, and the
// unordered state is what the reorderable stream has seen during the current submission.
type State struct {
	id    uint64
	mutex utils.OptionalMutex

	buffer device.BufferHandle
	image  device.ImageHandle
	aspect gputypes.TextureAspect
	usage  *fence.BatchUsage
	owner  Retainable

	ordered   Access
	unordered Access

	// submission is the batch the unordered eligibility flags apply to
	submission     fence.Usage
	unorderedRead  bool
	unorderedWrite bool

	binds    []bindSlot
	deferred bool
}

func newState(useMutex bool, options StateOptions) *State {
	usage := options.Usage
	if usage == nil {
		usage = &fence.BatchUsage{}
	}

	return &State{
		id:             nextStateID.Add(1),
		mutex:          utils.OptionalMutex{UseMutex: useMutex},
		buffer:         options.Buffer,
		image:          options.Image,
		aspect:         options.Aspect,
		usage:          usage,
		owner:          options.Owner,
		unorderedRead:  true,
		unorderedWrite: true,
	}
}

func (s *State) Buffer() device.BufferHandle {
	return s.buffer
}

func (s *State) Image() device.ImageHandle {
	return s.image
}

func (s *State) Usage() *fence.BatchUsage {
	return s.usage
}

// Ordered returns the access state at the end of the ordered stream
func (s *State) Ordered() Access {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.ordered
}

// Unordered returns the access state at the end of the unordered stream
func (s *State) Unordered() Access {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.unordered
}

// UnorderedEligible reports whether reads and writes may still go to the unordered stream
// of batch
func (s *State) UnorderedEligible(batch *fence.Batch) (read, write bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.submission.Matches(batch.Token()) {
		contested := s.isContestedLocked()
		return !contested, !contested
	}
	return s.unorderedRead, s.unorderedWrite
}

// ResetForBatch forgets the current submission, making the state eligible for the
// unordered stream again
func (s *State) ResetForBatch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.resetForBatchLocked(fence.Usage{})
}

func (s *State) resetForBatchLocked(submission fence.Usage) {
	s.submission = submission
	s.unorderedRead = true
	s.unorderedWrite = true
	s.unordered = s.ordered
}

// Reset returns the state to an object that has never been accessed, with the contents
// in the given layout. Pending binds are kept.
func (s *State) Reset(layout device.ImageLayout) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ordered = Access{Layout: layout}
	s.unordered = s.ordered
	s.submission = fence.Usage{}
	s.unorderedRead = true
	s.unorderedWrite = true
}

// beginBatchLocked readies the eligibility flags for batch. When another batch that has
// not been submitted yet holds them, both batches are held to the ordered stream: neither
// can know where the other's unordered stream lands.
func (s *State) beginBatchLocked(batch *fence.Batch) {
	if s.submission.Matches(batch.Token()) {
		return
	}

	contested := s.isContestedLocked()
	s.resetForBatchLocked(batch.Usage())
	if contested {
		s.unorderedRead = false
		s.unorderedWrite = false
	}
}

// isContestedLocked reports whether the batch holding the eligibility flags is still
// recording
func (s *State) isContestedLocked() bool {
	previous := s.submission
	return previous.IsSet() && !previous.IsStale() && !previous.Token().IsSubmitted() && !previous.Token().IsDone()
}

func (s *State) bindRequirementLocked() (Access, bool) {
	var required Access
	layoutSet := false
	anyBound := false

	for _, slot := range s.binds {
		if !slot.bound {
			continue
		}
		anyBound = true
		required.Access |= slot.access.Access
		required.Stage |= slot.access.Stage

		if !layoutSet {
			required.Layout = slot.access.Layout
			layoutSet = true
		} else if required.Layout != slot.access.Layout {
			required.Layout = device.ImageLayoutGeneral
		}
	}

	return required, anyBound
}
