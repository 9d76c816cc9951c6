package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// CleanDirectoryContents removes all contents of a directory without removing
// the directory itself, so open handles and symlinks pointing at the
// directory stay valid. A directory that does not exist is not an error.
func CleanDirectoryContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(entryPath); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entryPath, err)
		}
	}

	return nil
}
