package channel

import "time"

// segment is a named shared mapping of RecordSize bytes plus its named mutex.
// openSegment returns the segment with the mutex held so that the caller can
// initialise a freshly created record before anyone else sees it.
type segment interface {
	bytes() []byte
	lock(timeout time.Duration) error
	unlock() error
	// close detaches; last reports that no other process remained attached
	// and the segment was torn down. keep leaves the backing storage in place
	// where the platform allows it.
	close(timeout time.Duration, keep bool) (last bool, err error)
}
