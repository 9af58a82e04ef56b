package resource

import "github.com/cockroachdb/errors"

// ErrCapabilityMismatch is returned when the device accepts none of the tiling and usage
// combinations a resource could be created with
var ErrCapabilityMismatch = errors.New("no supported tiling and usage combination")
