package processor

import (
	"os"
	"path/filepath"
)

type Cleanup struct {
	workRoot     string
	cleanupLocal bool
}

func NewCleanup(workRoot string, cleanupLocal bool) *Cleanup {
	return &Cleanup{
		workRoot:     workRoot,
		cleanupLocal: cleanupLocal,
	}
}

// CleanupTask removes the task's working directory.
func (c *Cleanup) CleanupTask(taskID string) {
	if !c.cleanupLocal || taskID == "" {
		return
	}
	_ = os.RemoveAll(filepath.Join(c.workRoot, "tasks", filepath.Base(taskID)))
}
