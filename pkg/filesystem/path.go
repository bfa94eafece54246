package filesystem

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// NormalizePromiserPath cleans and absolutizes a promiser path,
// the way a configuration-management agent resolves the path named by a
// promise before evaluating it. It rejects only empty or all-whitespace
// paths; a short result such as "/" is returned as is (the Copy Engine's
// purge step separately refuses any path shorter than two characters).
func NormalizePromiserPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("empty promiser path")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, "unable to absolutize promiser path")
	}
	return filepath.Clean(absolute), nil
}

// SplitParentAndName splits a path into its parent directory and base name,
// used by the converge command to open the parent of the promiser path and
// of the copy source as a Directory rather than a bare path, and by the
// Copy Engine's local stat of a path.
func SplitParentAndName(path string) (parent, name string) {
	cleaned := filepath.Clean(path)
	return filepath.Dir(cleaned), filepath.Base(cleaned)
}
