package sched

import (
	"container/heap"
	"time"

	"drover/internal/dispatch"
)

// TaskState is the lifecycle of one scheduled unit of activity.
//
// Pending -> Running -> Succeeded | Failed | Canceled, or Running -> Deferred
// -> Running again when the not-before arrives. A run-level cancel reverts
// Running tasks to Pending so the run is resumable.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateDeferred  TaskState = "deferred"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
	StateCanceled  TaskState = "canceled"
)

// Terminal reports whether the state can no longer change.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Task is one unit of account activity owned by the scheduler until terminal.
type Task struct {
	ID        string
	AccountID string
	Kind      dispatch.Kind
	Payload   []byte

	NotBefore  time.Time
	State      TaskState
	Attempt    int // transient failures consumed against the retry budget
	Reason     string
	EnqueuedAt time.Time

	seq   uint64 // fairness tie-break for equal not-before times
	index int    // heap bookkeeping; -1 when not queued
}

// Status is the externally visible view of a task.
type Status struct {
	ID        string
	AccountID string
	Kind      dispatch.Kind
	State     TaskState
	NotBefore time.Time
	Attempt   int
	Reason    string
}

// taskHeap orders tasks by not-before time, oldest enqueue first on ties.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if !h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].NotBefore.Before(h[j].NotBefore)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h *taskHeap) remove(t *Task) {
	if t.index >= 0 && t.index < h.Len() && (*h)[t.index] == t {
		heap.Remove(h, t.index)
	}
}
