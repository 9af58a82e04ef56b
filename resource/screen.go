package resource

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gallium/barrier"
	"github.com/vkngwrapper/gallium/bo"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/fence"
	"github.com/vkngwrapper/gallium/internal/utils"
	"golang.org/x/exp/slog"
)

const (
	// DefaultMinMemoryMapAlignment is the alignment of pointers returned from Map
	DefaultMinMemoryMapAlignment = 64
	// minResourceAlignment is the smallest alignment any resource's memory is placed at
	minResourceAlignment = 256
	// maxCopyBoxes is how many copy regions a level may accumulate before it is reported
	maxCopyBoxes = 100
)

type ScreenOptions struct {
	// Logger receives debug output. A nil Logger discards.
	Logger *slog.Logger
	// ExternallySynchronized switches off the locks of the screen, its allocator and its
	// synchronization engine
	ExternallySynchronized bool
	// Allocator configures the BO allocator. Its Logger, Tracker and ExternallySynchronized
	// fields are filled in from the screen's.
	Allocator bo.CreateOptions
	// PollInterval is passed to the fence tracker
	PollInterval time.Duration
	// DisableReorder records every transfer into the ordered stream
	DisableReorder bool

	// MinMemoryMapAlignment is the alignment of pointers returned from Map. Zero uses
	// DefaultMinMemoryMapAlignment.
	MinMemoryMapAlignment int
	// NonCoherentAtomSize overrides the device's flush granularity for non-coherent memory.
	// Zero uses the device limit.
	NonCoherentAtomSize int
}

// Screen is the per-device state every resource is created against: the allocator, the
// fence tracker and the synchronization engine
type Screen struct {
	logger   *slog.Logger
	device   device.Device
	useMutex bool

	tracker   *fence.Tracker
	allocator *bo.Allocator
	engine    *barrier.Engine

	minMapAlignment     int
	nonCoherentAtomSize int
}

func NewScreen(dev device.Device, options ScreenOptions) (*Screen, error) {
	logger := utils.LoggerOrDiscard(options.Logger)

	tracker := fence.NewTracker(dev, fence.TrackerOptions{
		Logger:       logger,
		PollInterval: options.PollInterval,
	})

	allocatorOptions := options.Allocator
	allocatorOptions.Tracker = tracker
	allocatorOptions.ExternallySynchronized = options.ExternallySynchronized
	if allocatorOptions.Logger == nil {
		allocatorOptions.Logger = logger
	}

	allocator, err := bo.New(dev, allocatorOptions)
	if err != nil {
		return nil, errors.Wrap(err, "creating the allocator")
	}

	s := &Screen{
		logger:   logger,
		device:   dev,
		useMutex: !options.ExternallySynchronized,
		tracker:  tracker,

		allocator: allocator,
		engine: barrier.NewEngine(barrier.EngineOptions{
			Logger:                 logger,
			Tracker:                tracker,
			ExternallySynchronized: options.ExternallySynchronized,
			DisableReorder:         options.DisableReorder,
		}),

		minMapAlignment:     options.MinMemoryMapAlignment,
		nonCoherentAtomSize: options.NonCoherentAtomSize,
	}

	if s.minMapAlignment == 0 {
		s.minMapAlignment = DefaultMinMemoryMapAlignment
	}
	if s.nonCoherentAtomSize == 0 {
		s.nonCoherentAtomSize = int(allocator.MemoryProperties().NonCoherentAtomSize())
	}

	return s, nil
}

func (s *Screen) Device() device.Device {
	return s.device
}

func (s *Screen) Tracker() *fence.Tracker {
	return s.tracker
}

func (s *Screen) Allocator() *bo.Allocator {
	return s.allocator
}

func (s *Screen) Engine() *barrier.Engine {
	return s.engine
}

// NewContext makes a submission context on the screen's tracker
func (s *Screen) NewContext(options fence.ContextOptions) (*fence.Context, error) {
	if options.Logger == nil {
		options.Logger = s.logger
	}
	return fence.NewContext(s.tracker, options)
}

// BuildStatsString returns a JSON description of the screen's device memory
func (s *Screen) BuildStatsString(detailed bool) string {
	return s.allocator.BuildStatsString(detailed)
}

// Destroy frees the allocator's cached memory. Every resource and context must be
// destroyed first.
func (s *Screen) Destroy() error {
	s.logger.Debug("Screen::Destroy")

	return s.allocator.Destroy()
}

// checkDeviceLost short-circuits operations that would touch the device after it was lost
func (s *Screen) checkDeviceLost(format string, args ...interface{}) error {
	if s.tracker.IsDeviceLost() {
		return errors.Wrapf(fence.ErrDeviceLost, format, args...)
	}
	return nil
}

// mapAlignment is the alignment staging buffers are placed at so the returned pointer
// keeps the alignment of the mapped offset
func (s *Screen) mapAlignment() int {
	return max(s.minMapAlignment, 1<<s.allocator.MinSlabOrder())
}
