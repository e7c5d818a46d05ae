package models

import "time"

// Job is a batch of tasks dispatched together. It has no state of its own
// beyond its tasks' statuses and the fan-in bookkeeping.
type Job struct {
	ID        string    `json:"id"`
	TaskIDs   []string  `json:"task_ids,omitempty"`
	Callback  string    `json:"callback,omitempty"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// Finished reports whether every task has reached a terminal status.
func (j Job) Finished() bool {
	return j.Total > 0 && j.Done >= j.Total
}
