package fence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/internal/utils"
	"golang.org/x/exp/slog"
)

type TrackerOptions struct {
	// Logger receives debug output and device loss reports. A nil Logger discards.
	Logger *slog.Logger
	// PollInterval bounds how long a Finish without a deadline blocks in the device before
	// it rechecks the fast path. Zero uses one second.
	PollInterval time.Duration
}

// Tracker hands out timeline values for submissions and answers completion queries for
// usage markers. One Tracker serves every context on a device.
type Tracker struct {
	logger       *slog.Logger
	device       device.Device
	pollInterval time.Duration

	submitMutex  sync.Mutex
	nextTimeline atomic.Uint64
	lastFinished atomic.Uint64
	deviceLost   atomic.Bool

	waitersMutex sync.Mutex
	nextWaiter   int
	waiters      map[int]context.CancelFunc
	contexts     map[*Context]struct{}
}

func NewTracker(dev device.Device, options TrackerOptions) *Tracker {
	logger := utils.LoggerOrDiscard(options.Logger)
	pollInterval := options.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Tracker{
		logger:       logger,
		device:       dev,
		pollInterval: pollInterval,
		waiters:      make(map[int]context.CancelFunc),
		contexts:     make(map[*Context]struct{}),
	}
}

func (t *Tracker) Device() device.Device {
	return t.device
}

// LastFinished is the highest timeline value known to have completed
func (t *Tracker) LastFinished() uint64 {
	return t.lastFinished.Load()
}

func (t *Tracker) IsDeviceLost() bool {
	return t.deviceLost.Load()
}

func (t *Tracker) updateLastFinished(value uint64) {
	for {
		current := t.lastFinished.Load()
		if value <= current || t.lastFinished.CompareAndSwap(current, value) {
			return
		}
	}
}

// submit hands a batch's command buffers to the device, signaling the next timeline
// value. Values reach the device in increasing order.
func (t *Tracker) submit(token *Token, commandBuffers []device.CommandBuffer) error {
	t.submitMutex.Lock()
	defer t.submitMutex.Unlock()

	if t.deviceLost.Load() {
		token.abandon()
		return nil
	}

	value := t.nextTimeline.Load() + 1
	res, err := t.device.Submit(device.SubmitInfo{
		CommandBuffers: commandBuffers,
		SignalValue:    value,
	})
	if err != nil {
		token.abandon()
		if res == core1_0.VKErrorDeviceLost {
			t.SetDeviceLost()
			return nil
		}
		return errors.Wrapf(err, "submitting batch for timeline value %d", value)
	}

	t.nextTimeline.Store(value)
	t.MarkSubmitted(token, value)
	return nil
}

// MarkSubmitted records that the token's batch will signal the given timeline value
func (t *Tracker) MarkSubmitted(token *Token, value uint64) {
	token.markSubmitted(value)
}

// MarkDone records that the device timeline reached the token's value
func (t *Tracker) MarkDone(token *Token) {
	value := token.Timeline()
	if value == 0 {
		return
	}
	t.updateLastFinished(value)
	token.markDone(value)
}

// Check reports whether the work behind a usage marker has completed. It never blocks:
// the fast path reads the token flag and the last finished value, and the slow path asks
// the device for its current timeline value.
func (t *Tracker) Check(usage Usage) bool {
	if !usage.IsSet() || usage.IsStale() {
		return true
	}
	if t.deviceLost.Load() {
		return true
	}

	token := usage.Token()
	if token.IsDone() {
		return true
	}

	value := token.Timeline()
	if value == 0 {
		// Unsubmitted work can't be complete
		return false
	}
	if value <= t.lastFinished.Load() {
		token.markDone(value)
		return true
	}

	current, res, err := t.device.TimelineValue()
	if err != nil {
		if res == core1_0.VKErrorDeviceLost {
			t.SetDeviceLost()
			return true
		}
		t.logger.LogAttrs(context.Background(), slog.LevelError, "failed to query device timeline", slog.Any("error", err))
		return false
	}

	t.updateLastFinished(current)
	if current >= value {
		token.markDone(value)
		return true
	}

	return false
}

// IsBusy is the inverse of Check
func (t *Tracker) IsBusy(usage Usage) bool {
	return !t.Check(usage)
}

// Finish blocks until the work behind usage completes or ctx is done. Work recorded by a
// context that has not flushed yet is flushed first, including work owned by a different
// (possibly threaded) context than the caller's: waiting on it unflushed would never
// return. Completed is true when the usage is known complete; device loss counts as
// complete.
func (t *Tracker) Finish(ctx context.Context, usage Usage) (completed bool, err error) {
	t.logger.Debug("Tracker::Finish")

	if t.Check(usage) {
		return true, nil
	}

	token := usage.Token()
	if !token.IsSubmitted() {
		owner := token.Owner()
		if owner == nil {
			return false, errors.New("waiting on an unsubmitted batch that has no owner to flush it")
		}

		err = owner.Flush(ctx)
		if err != nil {
			return false, errors.Wrap(err, "flushing the batch being waited on")
		}

		if t.Check(usage) {
			return true, nil
		}
		if !token.IsSubmitted() && !usage.IsStale() {
			return false, errors.New("batch was not submitted by its owner's flush")
		}
	}

	value := token.Timeline()
	if usage.IsStale() {
		return true, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	id, registered := t.registerWaiter(cancel)
	defer func() {
		t.unregisterWaiter(id)
		cancel()
	}()
	if !registered {
		// The device was lost between the fast path and registration
		return true, nil
	}

	for {
		sliceCtx := waitCtx
		var sliceCancel context.CancelFunc = func() {}
		if _, hasDeadline := waitCtx.Deadline(); !hasDeadline {
			sliceCtx, sliceCancel = context.WithTimeout(waitCtx, t.pollInterval)
		}

		res, waitErr := t.device.WaitTimeline(sliceCtx, value)
		sliceCancel()

		if t.deviceLost.Load() {
			return true, nil
		}
		if waitErr == nil {
			t.updateLastFinished(value)
			token.markDone(value)
			return true, nil
		}
		if res == core1_0.VKErrorDeviceLost {
			t.SetDeviceLost()
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if t.Check(usage) {
			return true, nil
		}
		if waitCtx.Err() == nil && sliceCtx.Err() == nil {
			return false, waitErr
		}
	}
}

func (t *Tracker) registerWaiter(cancel context.CancelFunc) (int, bool) {
	t.waitersMutex.Lock()
	defer t.waitersMutex.Unlock()

	if t.deviceLost.Load() {
		return 0, false
	}

	t.nextWaiter++
	t.waiters[t.nextWaiter] = cancel
	return t.nextWaiter, true
}

func (t *Tracker) unregisterWaiter(id int) {
	t.waitersMutex.Lock()
	defer t.waitersMutex.Unlock()

	delete(t.waiters, id)
}

func (t *Tracker) registerContext(c *Context) {
	t.waitersMutex.Lock()
	defer t.waitersMutex.Unlock()

	t.contexts[c] = struct{}{}
}

func (t *Tracker) unregisterContext(c *Context) {
	t.waitersMutex.Lock()
	defer t.waitersMutex.Unlock()

	delete(t.contexts, c)
}

// SetDeviceLost puts the tracker into the lost state. Every pending and future completion
// query resolves as complete, blocked Finish calls return, and each context is told once.
func (t *Tracker) SetDeviceLost() {
	if !t.deviceLost.CompareAndSwap(false, true) {
		return
	}

	t.waitersMutex.Lock()
	waiters := make([]context.CancelFunc, 0, len(t.waiters))
	for _, cancel := range t.waiters {
		waiters = append(waiters, cancel)
	}
	contexts := make([]*Context, 0, len(t.contexts))
	for c := range t.contexts {
		contexts = append(contexts, c)
	}
	t.waitersMutex.Unlock()

	for _, cancel := range waiters {
		cancel()
	}
	for _, c := range contexts {
		c.ReportDeviceLost()
	}
}
