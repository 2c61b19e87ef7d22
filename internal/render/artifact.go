package render

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"renderd/internal/pkg/errors"
)

// Artifact is the fixed output file the worker writes on every render.
type Artifact struct {
	Path string
}

// Clear removes a leftover file and confirms it is gone, so a later
// existence check can only see what the current render produced. It
// returns the output directory listing taken before the removal.
func (a Artifact) Clear() ([]string, error) {
	before := listDir(filepath.Dir(a.Path))
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return before, errors.WrapWithCode(err, errors.CodeInternal, "render.clear", "cannot remove stale output file").
			WithField("artifact", a.Path)
	}
	if _, err := os.Stat(a.Path); !errors.Is(err, fs.ErrNotExist) {
		return before, errors.New(errors.CodeInternal, "stale output file is still present").
			WithField("artifact", a.Path)
	}
	return before, nil
}

// Verify returns the artifact size, or ARTIFACT_MISSING with the output
// directory listings from before and after the render when the file is
// absent or empty.
func (a Artifact) Verify(before []string) (int64, error) {
	fi, err := os.Stat(a.Path)
	switch {
	case err != nil:
		return 0, a.missing("file does not exist", before)
	case fi.IsDir():
		return 0, a.missing("path is a directory", before)
	case fi.Size() == 0:
		return 0, a.missing("file is empty", before)
	}
	return fi.Size(), nil
}

func (a Artifact) missing(reason string, before []string) *errors.Error {
	return errors.ArtifactMissing(a.Path, reason).WithFields(map[string]any{
		"files_before": before,
		"files_after":  listDir(filepath.Dir(a.Path)),
	})
}

func (a Artifact) Read() ([]byte, error) {
	b, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeArtifactMissing, "render.read", "cannot read output video file").
			WithField("artifact", a.Path)
	}
	return b, nil
}

func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{"error: " + err.Error()}
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		} else if fi, err := e.Info(); err == nil {
			name = fmt.Sprintf("%s (%d bytes)", name, fi.Size())
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
