package util

import "github.com/google/uuid"

// NewID returns prefix_<uuid>, e.g. job_5f0c...
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
