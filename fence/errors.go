package fence

import "github.com/cockroachdb/errors"

// ErrDeviceLost is reported once to each context after the device is lost
var ErrDeviceLost = errors.New("device lost")

// ErrWouldBlock is returned by non-blocking operations when the usage is still busy
var ErrWouldBlock = errors.New("operation would block on pending GPU work")

// ErrBatchSubmitted is returned when recording into a batch that has already been flushed.
// The work belongs in the context's current batch instead.
var ErrBatchSubmitted = errors.New("batch has already been submitted")
