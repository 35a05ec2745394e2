package taskqueue

import "errors"

// ErrQueueFull is returned by Enqueue when the total queued-or-processing
// count across all repos is already at the configured limit.
var ErrQueueFull = errors.New("queue is full")

// ErrPerUserQuota is returned by Enqueue when the requesting user already
// has the maximum number of queued tasks.
var ErrPerUserQuota = errors.New("per-user queue quota exceeded")
