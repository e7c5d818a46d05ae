package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a render task.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusTimeout    Status = "TIMEOUT"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

// AllStatuses lists every status in report order.
var AllStatuses = []Status{StatusQueued, StatusInProgress, StatusTimeout, StatusComplete, StatusFailed}

// Valid reports whether s is one of the five known states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusTimeout, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected from s.
func (s Status) Terminal() bool {
	return s == StatusTimeout || s == StatusComplete || s == StatusFailed
}

// Active reports whether a task in state s still holds the job open.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusInProgress
}

// Resolution is an output frame size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// FrameRange is an inclusive range of frames to render.
type FrameRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// RenderParams is everything the render executor needs for one task.
type RenderParams struct {
	CombinationIndex int        `json:"combination_index"`
	Resolution       Resolution `json:"resolution"`
	OutputDir        string     `json:"output_dir"`
	BackgroundAsset  string     `json:"background_asset,omitempty"`
	Frames           FrameRange `json:"frames"`
	// Combination is the serialized scene-combination payload, passed
	// through to the executor untouched.
	Combination json.RawMessage `json:"combination,omitempty"`
}

// Validate checks the parameters a worker cannot do without.
func (p RenderParams) Validate() error {
	switch {
	case p.Resolution.Width <= 0 || p.Resolution.Height <= 0:
		return fmt.Errorf("resolution %s must be positive", p.Resolution)
	case strings.TrimSpace(p.OutputDir) == "":
		return fmt.Errorf("output_dir is required")
	case p.Frames.End < p.Frames.Start:
		return fmt.Errorf("frame range %d-%d is inverted", p.Frames.Start, p.Frames.End)
	}
	return nil
}

// Task is one render unit as carried on the work queue.
type Task struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Params    RenderParams `json:"params"`
	Status    Status       `json:"status,omitempty"`
	StartedAt time.Time    `json:"started_at,omitempty"`
}

// Counts is a per-status snapshot of a job.
type Counts map[Status]int

// NewCounts returns a snapshot with every status present at zero.
func NewCounts() Counts {
	c := make(Counts, len(AllStatuses))
	for _, s := range AllStatuses {
		c[s] = 0
	}
	return c
}

// Active is the number of tasks still queued or running.
func (c Counts) Active() int {
	return c[StatusQueued] + c[StatusInProgress]
}

// Total is the number of tasks across all states.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Finished reports whether no task is queued or in progress.
func (c Counts) Finished() bool {
	return c.Active() == 0
}

func (c Counts) String() string {
	parts := make([]string, 0, len(c))
	seen := make(map[Status]bool, len(c))
	for _, s := range AllStatuses {
		parts = append(parts, fmt.Sprintf("%s:%d", s, c[s]))
		seen[s] = true
	}
	var extra []string
	for s, n := range c {
		if !seen[s] {
			extra = append(extra, fmt.Sprintf("%s:%d", s, n))
		}
	}
	sort.Strings(extra)
	return "{" + strings.Join(append(parts, extra...), ", ") + "}"
}
