package bo

import "github.com/cockroachdb/errors"

// ErrAllocationFailed is marked on every error returned by Allocator.Create once the
// reclaim-and-retry pass has also failed
var ErrAllocationFailed = errors.New("device memory allocation failed")
