package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and then in each parent of dir.
// It returns "" if no directory up to the root has one.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", dir, err)
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading dir %q: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() && e.Type().IsRegular() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
