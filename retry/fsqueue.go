package retry

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dicomflow/gateway/dicom"
)

// taskHeap orders RetryTasks by NextRetryAt so the earliest-due task is
// always at index 0, avoiding an O(n) scan every tick.
type taskHeap []dicom.RetryTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].NextRetryAt.Before(h[j].NextRetryAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(dicom.RetryTask)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FSQueue is the default Queue: an in-memory min-heap for ordering,
// durably backed by one JSON file per task under
// <data_root>/_retry_queue/<task_id>.json so a crash doesn't lose queued
// retries — mirroring the sidecar-per-entity convention fsstate already
// uses for review checkpoints and per-study status, rather than a single
// queue-wide file that would need its own lock discipline.
type FSQueue struct {
	dir string

	mu   sync.Mutex
	heap taskHeap
}

// NewFSQueue constructs an FSQueue rooted under dataRoot, replaying any
// tasks left on disk from a prior run.
func NewFSQueue(dataRoot string) (*FSQueue, error) {
	dir := filepath.Join(dataRoot, "_retry_queue")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("retry: create queue dir: %w", err)
	}

	q := &FSQueue{dir: dir}
	if err := q.loadAll(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FSQueue) taskPath(id string) string {
	return filepath.Join(q.dir, id+".json")
}

func (q *FSQueue) loadAll() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("retry: list queue dir: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = make(taskHeap, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, e.Name()))
		if err != nil {
			continue // a task file mid-write on crash; skip, not fatal
		}
		var task dicom.RetryTask
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		q.heap = append(q.heap, task)
	}
	heap.Init(&q.heap)
	return nil
}

// Push persists task and inserts it into the heap, assigning an ID if
// the caller didn't supply one.
func (q *FSQueue) Push(ctx context.Context, task dicom.RetryTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("retry: encode task %s: %w", task.ID, err)
	}
	tmp := q.taskPath(task.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("retry: write task %s: %w", task.ID, err)
	}
	if err := os.Rename(tmp, q.taskPath(task.ID)); err != nil {
		return fmt.Errorf("retry: rename task %s: %w", task.ID, err)
	}

	q.mu.Lock()
	heap.Push(&q.heap, task)
	q.mu.Unlock()
	return nil
}

// PopDue removes and returns every task due at or before now, deleting
// their sidecar files.
func (q *FSQueue) PopDue(ctx context.Context, now time.Time) ([]dicom.RetryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []dicom.RetryTask
	for q.heap.Len() > 0 && !q.heap[0].NextRetryAt.After(now) {
		task := heap.Pop(&q.heap).(dicom.RetryTask)
		due = append(due, task)
		if err := os.Remove(q.taskPath(task.ID)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("retry: remove task %s: %w", task.ID, err)
		}
	}
	return due, nil
}

// Len reports the number of tasks currently queued.
func (q *FSQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len(), nil
}
