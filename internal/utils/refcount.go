package utils

import (
	"fmt"
	"sync/atomic"
)

// RefCount is an atomic reference count that starts at one when Init is called
type RefCount struct {
	count atomic.Int32
}

func (r *RefCount) Init() {
	r.count.Store(1)
}

func (r *RefCount) Ref() {
	if r.count.Add(1) <= 1 {
		panic("attempted to reference an object that was already released")
	}
}

// Unref drops one reference and returns true when the last reference is gone
func (r *RefCount) Unref() bool {
	newCount := r.count.Add(-1)
	if newCount < 0 {
		panic(fmt.Sprintf("reference count went negative: %d", newCount))
	}

	return newCount == 0
}

func (r *RefCount) Count() int {
	return int(r.count.Load())
}
