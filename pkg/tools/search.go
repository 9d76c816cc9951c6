package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxListEntries  = 500
	maxGlobMatches  = 500
	maxGrepMatches  = 200
	maxGrepFileSize = 1 << 20
)

// Directories never worth descending into.
//
//nolint:gochecknoglobals // Static skip table
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, ".venv": true, "venv": true,
	"__pycache__": true, "dist": true, ".next": true, "target": true,
	".idea": true, ".vscode": true,
}

// ListFilesTool lists directory contents.
type ListFilesTool struct {
	binding Binding
}

// NewListFilesTool creates the list_files tool.
func NewListFilesTool(binding Binding) *ListFilesTool {
	return &ListFilesTool{binding: binding}
}

func (t *ListFilesTool) Name() string {
	return ToolListFiles
}

func (t *ListFilesTool) Meta() Meta {
	return Meta{
		Name: ToolListFiles,
		Description: "List files and directories at a path. Directories are suffixed " +
			"with /. Set recursive to walk the whole subtree.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Directory to list, relative to the working directory (default .)",
				},
				"recursive": {
					Type:        "boolean",
					Description: "Walk subdirectories too",
				},
			},
		},
	}
}

func (t *ListFilesTool) Exec(_ context.Context, args map[string]any) Result {
	path := optionalString(args, "path")
	if path == "" {
		path = "."
	}
	abs, err := t.binding.resolveRead(path)
	if err != nil {
		return errorResult("%v", err)
	}

	var entries []string
	truncated := false
	if boolArg(args, "recursive") {
		entries, truncated = walkEntries(abs)
	} else {
		dirEntries, readErr := os.ReadDir(abs)
		if readErr != nil {
			return errorResult("cannot list %s: %v", path, readErr)
		}
		for _, e := range dirEntries {
			if len(entries) >= maxListEntries {
				truncated = true
				break
			}
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			entries = append(entries, name)
		}
	}
	sort.Strings(entries)

	return jsonResult(map[string]any{
		"path":      path,
		"entries":   entries,
		"count":     len(entries),
		"truncated": truncated,
	})
}

func walkEntries(root string) ([]string, bool) {
	var entries []string
	truncated := false
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if p == root {
			return nil
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if len(entries) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil //nolint:nilerr // skip entries we cannot relativize
		}
		if d.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)
		return nil
	})
	return entries, truncated
}

// GlobTool matches file paths against a pattern, ** included.
type GlobTool struct {
	binding Binding
}

// NewGlobTool creates the glob tool.
func NewGlobTool(binding Binding) *GlobTool {
	return &GlobTool{binding: binding}
}

func (t *GlobTool) Name() string {
	return ToolGlob
}

func (t *GlobTool) Meta() Meta {
	return Meta{
		Name: ToolGlob,
		Description: "Find files matching a glob pattern such as '**/*.go' or " +
			"'src/**/*.ts', relative to the working directory.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {
					Type:        "string",
					Description: "Glob pattern; ** matches any number of directories",
				},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *GlobTool) Exec(_ context.Context, args map[string]any) Result {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return errorResult("%v", err)
	}
	root, err := t.binding.resolveRead(".")
	if err != nil {
		return errorResult("%v", err)
	}

	matcher, err := compileGlob(pattern)
	if err != nil {
		return errorResult("bad pattern %q: %v", pattern, err)
	}

	var matches []string
	truncated := false
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil //nolint:nilerr // skip entries we cannot relativize
		}
		if !matcher.MatchString(filepath.ToSlash(rel)) {
			return nil
		}
		if len(matches) >= maxGlobMatches {
			truncated = true
			return filepath.SkipAll
		}
		matches = append(matches, rel)
		return nil
	})
	sort.Strings(matches)

	return jsonResult(map[string]any{
		"pattern":   pattern,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	})
}

// compileGlob translates a glob with ** support into an anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	p := filepath.ToSlash(pattern)
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch c {
		case '*':
			if i+1 < len(p) && p[i+1] == '*' {
				// ** crosses directory boundaries; swallow a following
				// slash so "**/x" also matches "x" at the root.
				if i+2 < len(p) && p[i+2] == '/' {
					sb.WriteString(`(?:.*/)?`)
					i += 2
				} else {
					sb.WriteString(`.*`)
					i++
				}
			} else {
				sb.WriteString(`[^/]*`)
			}
		case '?':
			sb.WriteString(`[^/]`)
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '[', ']', '\\':
			sb.WriteString(`\`)
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compile glob: %w", err)
	}
	return re, nil
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	binding Binding
}

// NewGrepTool creates the grep tool.
func NewGrepTool(binding Binding) *GrepTool {
	return &GrepTool{binding: binding}
}

func (t *GrepTool) Name() string {
	return ToolGrep
}

func (t *GrepTool) Meta() Meta {
	return Meta{
		Name: ToolGrep,
		Description: "Search file contents for a regular expression. Returns " +
			"file:line:text matches. Use include to restrict the file set.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {
					Type:        "string",
					Description: "Regular expression to search for",
				},
				"path": {
					Type:        "string",
					Description: "Directory to search, relative to the working directory (default .)",
				},
				"include": {
					Type:        "string",
					Description: "Glob filter on file names, e.g. '*.go'",
				},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *GrepTool) Exec(_ context.Context, args map[string]any) Result {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return errorResult("%v", err)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errorResult("bad pattern %q: %v", pattern, err)
	}
	searchPath := optionalString(args, "path")
	if searchPath == "" {
		searchPath = "."
	}
	root, err := t.binding.resolveRead(searchPath)
	if err != nil {
		return errorResult("%v", err)
	}
	include := optionalString(args, "include")

	var matches []string
	truncated := false
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, matchErr := filepath.Match(include, d.Name()); matchErr != nil || !ok {
				return nil
			}
		}
		if info, infoErr := d.Info(); infoErr != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil //nolint:nilerr // skip entries we cannot relativize
		}
		if grepFile(p, rel, re, &matches) {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})

	return jsonResult(map[string]any{
		"pattern":   pattern,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	})
}

// grepFile appends matches from one file, reporting true when the global
// match cap is hit.
func grepFile(abs, rel string, re *regexp.Regexp, matches *[]string) bool {
	data, err := os.ReadFile(abs)
	if err != nil {
		return false
	}
	if strings.IndexByte(string(data[:min(len(data), 1024)]), 0) >= 0 {
		return false
	}
	for lineNo, line := range strings.Split(string(data), "\n") {
		if !re.MatchString(line) {
			continue
		}
		if len(*matches) >= maxGrepMatches {
			return true
		}
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		*matches = append(*matches, fmt.Sprintf("%s:%d:%s", rel, lineNo+1, line))
	}
	return false
}
