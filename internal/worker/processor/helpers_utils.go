package processor

import (
	"fmt"
	"unicode/utf8"
)

// maxErrorText bounds the failure text stored on a job.
const maxErrorText = 2000

// OutputKeys holds the object keys a job writes.
type OutputKeys struct {
	Video string
}

// GenerateOutputKeys builds the object keys for a job's outputs.
func GenerateOutputKeys(jobID string) *OutputKeys {
	return &OutputKeys{
		Video: fmt.Sprintf("renders/%s/output.mp4", jobID),
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
