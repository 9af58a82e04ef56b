package fence

import (
	"context"
	"sync"
)

// UsageAccess selects which recorded GPU usages an operation must wait for
type UsageAccess int

const (
	// AccessRead waits for pending GPU reads
	AccessRead UsageAccess = 1 << iota
	// AccessWrite waits for pending GPU writes
	AccessWrite
	// AccessRW waits for both
	AccessRW = AccessRead | AccessWrite
)

// BatchUsage records which batches read and wrote an object. Reads are kept per context so
// a read in one context does not hide an unfinished read in another.
type BatchUsage struct {
	mutex sync.Mutex
	reads []Usage
	write Usage
}

func (u *BatchUsage) SetRead(batch *Batch) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	marker := batch.Usage()
	owner := batch.Token().Owner()
	kept := u.reads[:0]
	for _, read := range u.reads {
		if read.IsStale() || read.Token().Owner() == owner {
			continue
		}
		kept = append(kept, read)
	}
	u.reads = append(kept, marker)
}

func (u *BatchUsage) SetWrite(batch *Batch) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.write = batch.Usage()
}

// Write returns the last write marker
func (u *BatchUsage) Write() Usage {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	return u.write
}

// Reads returns the read markers, one per context at most
func (u *BatchUsage) Reads() []Usage {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	reads := make([]Usage, len(u.reads))
	copy(reads, u.reads)
	return reads
}

// Matches reports whether the batch has read or written the object
func (u *BatchUsage) Matches(batch *Batch) bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.write.Matches(batch.Token()) {
		return true
	}
	for _, read := range u.reads {
		if read.Matches(batch.Token()) {
			return true
		}
	}
	return false
}

func (u *BatchUsage) usages(access UsageAccess) []Usage {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	var usages []Usage
	if access&AccessRead != 0 {
		usages = append(usages, u.reads...)
	}
	if access&AccessWrite != 0 && u.write.IsSet() {
		usages = append(usages, u.write)
	}
	return usages
}

// IsBusy reports whether any usage selected by access is incomplete
func (u *BatchUsage) IsBusy(tracker *Tracker, access UsageAccess) bool {
	for _, usage := range u.usages(access) {
		if tracker.IsBusy(usage) {
			return true
		}
	}
	return false
}

// IsUnflushed reports whether any usage selected by access belongs to a batch that has not
// been submitted yet
func (u *BatchUsage) IsUnflushed(access UsageAccess) bool {
	for _, usage := range u.usages(access) {
		if !usage.IsStale() && !usage.Token().IsSubmitted() {
			return true
		}
	}
	return false
}

// Wait blocks until every usage selected by access has completed
func (u *BatchUsage) Wait(ctx context.Context, tracker *Tracker, access UsageAccess) error {
	for _, usage := range u.usages(access) {
		_, err := tracker.Finish(ctx, usage)
		if err != nil {
			return err
		}
	}

	u.prune(tracker)
	return nil
}

func (u *BatchUsage) prune(tracker *Tracker) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	kept := u.reads[:0]
	for _, read := range u.reads {
		if !tracker.Check(read) {
			kept = append(kept, read)
		}
	}
	u.reads = kept

	if tracker.Check(u.write) {
		u.write = Usage{}
	}
}

// Unset forgets every usage
func (u *BatchUsage) Unset() {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.reads = nil
	u.write = Usage{}
}
