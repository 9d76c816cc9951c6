package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolveRead maps a tool path argument to an absolute path and confines it
// to readable roots: the working directory, the project, the spec directory,
// and any configured writable roots.
func (b Binding) resolveRead(path string) (string, error) {
	return b.resolve(path, b.readRoots())
}

// resolveWrite is resolveRead for mutating tools. The root set is the same;
// confinement is what matters, and anything readable inside the workspace is
// also the agent's to change.
func (b Binding) resolveWrite(path string) (string, error) {
	return b.resolve(path, b.readRoots())
}

func (b Binding) readRoots() []string {
	roots := make([]string, 0, 3+len(b.Context.WritableRoots))
	for _, r := range []string{b.Context.Cwd, b.Context.ProjectDir, b.Context.SpecDir} {
		if r != "" {
			roots = append(roots, r)
		}
	}
	return append(roots, b.Context.WritableRoots...)
}

func (b Binding) resolve(path string, roots []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(b.Context.Cwd, abs)
	}
	abs = filepath.Clean(abs)

	for _, root := range roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the session workspace", path)
}
