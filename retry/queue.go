// Package retry implements the persistent per-destination retry queue of
// spec.md §4.10: deferred and transiently-failed DestinationResults are
// queued with a backoff deadline and re-dispatched to the owning
// Scheduler Worker once that deadline passes and the destination's
// health is no longer in question.
//
// Backoff math is grounded on the teacher's resilience/retry.go
// (exponential growth capped at a max delay, with jitter to avoid
// synchronized retries against the same destination); the persistent
// queue shape is grounded on orchestration/redis_task_queue.go, with the
// filesystem as the default backing store instead of Redis and an
// optional Redis-backed Queue for multi-instance deployments.
package retry

import (
	"context"
	"time"

	"github.com/dicomflow/gateway/dicom"
)

// Queue is the persistence boundary for retry tasks. FSQueue is the
// default implementation; RedisQueue is a drop-in alternative for
// deployments running more than one gateway instance against shared
// destinations.
type Queue interface {
	// Push persists a task, assigning an ID if task.ID is empty.
	Push(ctx context.Context, task dicom.RetryTask) error

	// PopDue removes and returns every task whose NextRetryAt is at or
	// before now. Callers own the returned tasks; a task that should be
	// retried again must be pushed back via Push.
	PopDue(ctx context.Context, now time.Time) ([]dicom.RetryTask, error)

	// Len reports the number of tasks currently queued, for metrics and
	// tests.
	Len(ctx context.Context) (int, error)
}
