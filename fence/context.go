package fence

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gallium/internal/utils"
	"golang.org/x/exp/slog"
)

type ContextOptions struct {
	Logger *slog.Logger
	// Threaded submits batches from a background goroutine. FlushAsync returns as soon as
	// the batch is queued.
	Threaded bool
	// QueueDepth bounds the batches waiting on the submit goroutine. Zero uses 4.
	QueueDepth int
	// OnDeviceLost is called once, from whichever goroutine first observes the loss
	OnDeviceLost func()
}

// Context records work into one batch at a time and submits it to the device. Several
// contexts may share a Tracker and run on separate goroutines.
type Context struct {
	logger  *slog.Logger
	tracker *Tracker

	// flushMutex orders flushes, which may come from other contexts' waits
	flushMutex sync.Mutex
	mutex      sync.Mutex
	current    *Batch
	inFlight   []*Batch
	freeTokens []*Token
	queue      *submitQueue

	onDeviceLost func()
	lostReported atomic.Bool
	lostReturned atomic.Bool
}

var _ Flusher = &Context{}

func NewContext(tracker *Tracker, options ContextOptions) (*Context, error) {
	logger := options.Logger
	if logger == nil {
		logger = tracker.logger
	}
	logger = utils.LoggerOrDiscard(logger)

	c := &Context{
		logger:       logger,
		tracker:      tracker,
		onDeviceLost: options.OnDeviceLost,
	}

	batch, err := c.newBatch()
	if err != nil {
		return nil, err
	}
	c.current = batch

	if options.Threaded {
		depth := options.QueueDepth
		if depth <= 0 {
			depth = 4
		}
		c.queue = newSubmitQueue(tracker, logger, depth)
	}

	tracker.registerContext(c)
	if tracker.IsDeviceLost() {
		c.ReportDeviceLost()
	}

	return c, nil
}

func (c *Context) Tracker() *Tracker {
	return c.tracker
}

func (c *Context) newBatch() (batch *Batch, err error) {
	var token *Token
	if count := len(c.freeTokens); count > 0 {
		token = c.freeTokens[count-1]
		c.freeTokens = c.freeTokens[:count-1]
	} else {
		token = NewToken(c)
	}
	defer func() {
		if err != nil {
			c.freeTokens = append(c.freeTokens, token)
		}
	}()

	ordered, _, err := c.tracker.device.AllocateCommandBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "allocating ordered command buffer")
	}

	unordered, _, err := c.tracker.device.AllocateCommandBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "allocating unordered command buffer")
	}

	return &Batch{
		context:   c,
		token:     token,
		ordered:   ordered,
		unordered: unordered,
	}, nil
}

// Batch returns the batch currently recording
func (c *Context) Batch() *Batch {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.current
}

// Flush submits the recording batch and starts a new one. When it returns without error,
// the flushed batch has reached the device.
func (c *Context) Flush(ctx context.Context) error {
	c.logger.Debug("Context::Flush")

	done, err := c.flush(true)
	if err != nil || done == nil {
		return err
	}

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAsync submits the recording batch and starts a new one. On a threaded context it
// returns once the batch is queued.
func (c *Context) FlushAsync() error {
	c.logger.Debug("Context::FlushAsync")

	_, err := c.flush(false)
	return err
}

func (c *Context) flush(wait bool) (chan error, error) {
	c.flushMutex.Lock()
	defer c.flushMutex.Unlock()

	c.mutex.Lock()
	next, err := c.newBatch()
	c.mutex.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "starting the next batch")
	}

	// Closing waits for recorders, which may call Batch, so it happens outside mutex
	batch := c.Batch()
	batch.close()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.retireCompletedLocked()
	c.current = next

	if c.tracker.IsDeviceLost() {
		// Nothing submitted after a loss can run
		batch.releaseAll()
		batch.token.Reset()
		c.freeTokens = append(c.freeTokens, batch.token)
		return nil, nil
	}

	c.inFlight = append(c.inFlight, batch)

	if c.queue == nil {
		return nil, c.tracker.submit(batch.token, batch.commandBuffers())
	}

	var done chan error
	if wait {
		done = make(chan error, 1)
	}
	c.queue.push(submitJob{batch: batch, done: done})
	return done, nil
}

// RetireCompleted releases everything retained by completed batches and recycles their
// tokens. It returns the number of batches retired.
func (c *Context) RetireCompleted() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.retireCompletedLocked()
}

func (c *Context) retireCompletedLocked() int {
	retired := 0
	kept := c.inFlight[:0]
	for _, batch := range c.inFlight {
		if !c.tracker.Check(batch.Usage()) {
			kept = append(kept, batch)
			continue
		}

		batch.releaseAll()
		batch.token.Reset()
		c.freeTokens = append(c.freeTokens, batch.token)
		retired++
	}

	for i := len(kept); i < len(c.inFlight); i++ {
		c.inFlight[i] = nil
	}
	c.inFlight = kept

	return retired
}

// InFlight returns the number of submitted batches that have not been retired
func (c *Context) InFlight() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.inFlight)
}

// Finish flushes the recording batch and blocks until it completes
func (c *Context) Finish(ctx context.Context) error {
	c.logger.Debug("Context::Finish")

	usage := c.Batch().Usage()
	_, err := c.tracker.Finish(ctx, usage)
	if err != nil {
		return err
	}

	c.RetireCompleted()
	return c.DeviceLostError()
}

// ReportDeviceLost tells the context that the device is gone. Only the first report for
// a context has any effect.
func (c *Context) ReportDeviceLost() {
	if !c.lostReported.CompareAndSwap(false, true) {
		return
	}

	c.logger.LogAttrs(context.Background(), slog.LevelError, "device lost",
		slog.Uint64("lastFinished", c.tracker.LastFinished()))

	if c.onDeviceLost != nil {
		c.onDeviceLost()
	}
}

// DeviceLostError returns ErrDeviceLost the first time it is called after the device was
// lost, and nil otherwise
func (c *Context) DeviceLostError() error {
	if !c.tracker.IsDeviceLost() {
		return nil
	}
	if !c.lostReturned.CompareAndSwap(false, true) {
		return nil
	}
	return ErrDeviceLost
}

// Destroy waits for the context's work, stops its submit goroutine and releases every
// batch. The context may not be used afterward.
func (c *Context) Destroy(ctx context.Context) error {
	c.logger.Debug("Context::Destroy")

	err := c.Finish(ctx)
	if errors.Is(err, ErrDeviceLost) {
		err = nil
	}

	if c.queue != nil {
		c.queue.close()
	}
	c.tracker.unregisterContext(c)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, batch := range c.inFlight {
		batch.releaseAll()
	}
	c.inFlight = nil
	c.current.releaseAll()

	return err
}
