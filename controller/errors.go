package controller

import (
	"errors"
	"fmt"
	"time"
)

// requeueAfter indicates the handler wants the event delivered again.
type requeueAfter struct {
	duration time.Duration
}

func (r *requeueAfter) Error() string {
	return fmt.Sprintf("requeue after %v", r.duration)
}

// RequeueAfter returns an error that asks the dispatcher to deliver the same
// event again after d, unless a newer event for the same resource arrives
// first.
func RequeueAfter(d time.Duration) error {
	return &requeueAfter{duration: d}
}

// IsRequeueError checks if an error is a requeue error.
func IsRequeueError(err error) bool {
	var ra *requeueAfter
	return errors.As(err, &ra)
}

// GetRequeueDuration returns the requeue duration if the error indicates
// a requeue, otherwise returns 0.
func GetRequeueDuration(err error) time.Duration {
	var ra *requeueAfter
	if errors.As(err, &ra) {
		return ra.duration
	}
	return 0
}

// ErrNotStarted is returned by operations that need a running Operator.
var ErrNotStarted = errors.New("operator not started")

// ErrStopped is returned when an Operator is started after Stop.
var ErrStopped = errors.New("operator stopped")
