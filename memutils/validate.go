package memutils

import "github.com/cockroachdb/errors"

// Validatable is anything that can check its own bookkeeping. DebugValidate runs the check
// when the debug_mem_utils build tag is set.
type Validatable interface {
	Validate() error
}

// ValidateEach validates every item in order and returns the first failure, naming the
// index of the item that failed
func ValidateEach[T Validatable](items []T) error {
	for index, item := range items {
		err := item.Validate()
		if err != nil {
			return errors.Wrapf(err, "item %d", index)
		}
	}
	return nil
}
