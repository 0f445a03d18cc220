package fs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/internal/errs"
)

type globMatch struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Synced bool   `json:"synced"`
}

// glob finds files under a base directory matching a glob pattern,
// shelling out to ripgrep's --files mode (glob.rs's grounded
// behavior) and falling back to filepath.Glob when rg is not on PATH.
func (t *Tool) glob(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	pattern := strings.TrimSpace(params.Pattern)
	if pattern == "" {
		return errResult(errs.Validationf("pattern must not be empty"))
	}
	if strings.Contains(strings.TrimPrefix(pattern, "/"), "..") {
		return errResult(errs.Validationf("pattern cannot contain '..' (parent directory reference)"))
	}
	base, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}

	root := t.blobs.LatestRoot(t.workspaceID)
	baseDir := filepath.Join(root, strings.TrimPrefix(base, "/"))
	if _, err := os.Stat(baseDir); err != nil {
		return oasis.ToolResult{Content: mustJSON([]globMatch{})}, nil
	}

	var relPaths []string
	if rgPath, err := exec.LookPath("rg"); err == nil {
		relPaths, err = t.runRipgrepFiles(ctx, rgPath, pattern, baseDir)
		if err != nil {
			return errResult(err)
		}
	} else {
		relPaths, err = globFallback(baseDir, pattern)
		if err != nil {
			return errResult(err)
		}
	}

	matches := make([]globMatch, 0, len(relPaths))
	for _, rel := range relPaths {
		full := "/" + strings.TrimPrefix(filepath.ToSlash(rel), "./")
		matches = append(matches, globMatch{Path: full, Name: filepath.Base(full), Synced: false})
	}
	return oasis.ToolResult{Content: mustJSON(matches)}, nil
}

func (t *Tool) runRipgrepFiles(ctx context.Context, rgPath, pattern, baseDir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, rgPath, "--files", "--glob", pattern)
	cmd.Dir = baseDir
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil // no matches, not an error
		}
		return nil, errs.Internalf(err, "ripgrep glob failed")
	}
	var lines []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		if l := sc.Text(); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// globFallback walks baseDir matching pattern against each entry's
// path relative to baseDir with filepath.Match, used when ripgrep is
// not installed (grep.rs/glob.rs's documented fallback behavior).
func globFallback(baseDir, pattern string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(baseDir, path)
		rel = filepath.ToSlash(rel)
		if ok, _ := filepath.Match(pattern, rel); ok {
			out = append(out, rel)
			return nil
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

type grepMatch struct {
	Path    string   `json:"path"`
	Line    int      `json:"line"`
	Text    string   `json:"text"`
	Context []string `json:"context,omitempty"`
}

// grep searches file contents by regex under a base path, with
// optional before/after/context line counts, using Go's regexp engine
// directly over the working tree (grep.rs is grounded on external
// ripgrep, but this core has no external-process dependency surface
// to shell out through beyond glob, so an in-process regexp walk
// serves the same contract without the extra process-spawn cost on
// every turn).
func (t *Tool) grep(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Pattern       string          `json:"pattern"`
		Path          string          `json:"path"`
		CaseSensitive bool            `json:"case_sensitive"`
		Before        json.RawMessage `json:"before_context"`
		After         json.RawMessage `json:"after_context"`
		Context       json.RawMessage `json:"context"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	if strings.TrimSpace(params.Pattern) == "" {
		return errResult(errs.Validationf("pattern must not be empty"))
	}
	base, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}
	ctxLines, err := flexInt(params.Context, 0)
	if err != nil {
		return errResult(err)
	}
	before, err := flexInt(params.Before, ctxLines)
	if err != nil {
		return errResult(err)
	}
	after, err := flexInt(params.After, ctxLines)
	if err != nil {
		return errResult(err)
	}

	expr := params.Pattern
	if !params.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return errResult(errs.Validationf("invalid regex pattern: %v", err))
	}

	root := t.blobs.LatestRoot(t.workspaceID)
	baseDir := filepath.Join(root, strings.TrimPrefix(base, "/"))
	if _, err := os.Stat(baseDir); err != nil {
		return oasis.ToolResult{Content: mustJSON([]grepMatch{})}, nil
	}

	var matches []grepMatch
	_ = filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		lines := strings.Split(string(data), "\n")
		rel, _ := filepath.Rel(root, path)
		relPath := "/" + filepath.ToSlash(rel)
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			start := i - before
			if start < 0 {
				start = 0
			}
			end := i + after + 1
			if end > len(lines) {
				end = len(lines)
			}
			var ctxSlice []string
			if before > 0 || after > 0 {
				ctxSlice = append(ctxSlice, lines[start:end]...)
			}
			matches = append(matches, grepMatch{Path: relPath, Line: i + 1, Text: line, Context: ctxSlice})
		}
		return nil
	})

	return oasis.ToolResult{Content: mustJSON(matches)}, nil
}

type findMatch struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// find searches by name glob, file type, and size bounds, recursing
// through the working tree unless Recursive is explicitly false.
func (t *Tool) find(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Name      string          `json:"name"`
		Path      string          `json:"path"`
		FileType  string          `json:"file_type"`
		MinSize   json.RawMessage `json:"min_size"`
		MaxSize   json.RawMessage `json:"max_size"`
		Recursive *bool           `json:"recursive"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	base, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}
	minSize, err := flexInt(params.MinSize, -1)
	if err != nil {
		return errResult(err)
	}
	maxSize, err := flexInt(params.MaxSize, -1)
	if err != nil {
		return errResult(err)
	}
	recursive := params.Recursive == nil || *params.Recursive

	root := t.blobs.LatestRoot(t.workspaceID)
	baseDir := filepath.Join(root, strings.TrimPrefix(base, "/"))
	if _, err := os.Stat(baseDir); err != nil {
		return oasis.ToolResult{Content: mustJSON([]findMatch{})}, nil
	}

	var results []findMatch
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == baseDir {
			return nil
		}
		if !recursive && filepath.Dir(path) != baseDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		kind := "file"
		if d.IsDir() {
			kind = "folder"
		}
		if params.FileType != "" && params.FileType != kind {
			return nil
		}
		if params.Name != "" {
			if ok, _ := filepath.Match(params.Name, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if minSize >= 0 && info.Size() < int64(minSize) {
			return nil
		}
		if maxSize >= 0 && info.Size() > int64(maxSize) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		results = append(results, findMatch{
			Path: "/" + filepath.ToSlash(rel), Name: d.Name(), Type: kind, Size: info.Size(),
		})
		return nil
	}
	if err := filepath.WalkDir(baseDir, walkFn); err != nil {
		return errResult(errs.Internalf(err, "find under %s", base))
	}

	return oasis.ToolResult{Content: mustJSON(results)}, nil
}
