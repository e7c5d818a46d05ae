package util

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a random identifier with a readable prefix, e.g. "task_3f9c...".
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
