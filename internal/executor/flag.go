package executor

import "sync/atomic"

// CancelFlag is a cooperative cancellation request shared between the
// submitter and the running computation.
type CancelFlag struct {
	set atomic.Bool
}

// NewCancelFlag returns a cleared flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{}
}

// Set raises the flag.
func (f *CancelFlag) Set() {
	f.set.Store(true)
}

// IsSet reports whether the flag was raised. A nil flag is never set.
func (f *CancelFlag) IsSet() bool {
	return f != nil && f.set.Load()
}
