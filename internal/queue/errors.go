package queue

import "errors"

// ErrDuplicateWork is returned when a work already has a live task.
var ErrDuplicateWork = errors.New("work already has a live task")

// ErrAdmissionBlocked is returned when the admission gate refuses new
// download activity.
var ErrAdmissionBlocked = errors.New("admission gate is closed")
