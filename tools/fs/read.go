package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/store"
)

const defaultReadLimit = 500

type lsEntry struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Synced bool   `json:"synced"`
}

func (t *Tool) ls(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}

	seen := map[string]bool{}
	var entries []lsEntry

	// The workspace root has no File record; its children are the
	// records with no parent.
	var parentID *string
	f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if dbErr == nil {
		if f.FileType != store.FileTypeFolder {
			return errResult(errs.Validationf("not a folder: %s", path))
		}
		parentID = &f.ID
	}
	if dbErr == nil || path == "/" {
		children, err := t.store.ListChildren(ctx, t.workspaceID, parentID)
		if err != nil {
			return errResult(errs.Internalf(err, "list children of %s", path))
		}
		for _, c := range children {
			kind := "file"
			if c.FileType == store.FileTypeFolder {
				kind = "folder"
			}
			entries = append(entries, lsEntry{Name: c.Name, Type: kind, Synced: true})
			seen[c.Name] = true
		}
	}

	// Disk reconciliation: surface entries present on disk but absent
	// from the Version Index, per §4.3's read-side reconciliation rule.
	diskPath, rerr := t.blobs.ResolvePath(t.workspaceID, path)
	if rerr == nil {
		if diskEntries, err := os.ReadDir(diskPath); err == nil {
			for _, de := range diskEntries {
				if seen[de.Name()] {
					continue
				}
				kind := "file"
				if de.IsDir() {
					kind = "folder"
				}
				entries = append(entries, lsEntry{Name: de.Name(), Type: kind, Synced: false})
			}
		} else if dbErr != nil {
			return errResult(errs.NotFoundf("directory not found: %s", path))
		}
	}

	out, _ := json.Marshal(entries)
	return oasis.ToolResult{Content: string(out)}, nil
}

type readResult struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Hash        string `json:"hash"`
	Synced      bool   `json:"synced"`
	TotalLines  int    `json:"total_lines,omitempty"`
	Truncated   bool   `json:"truncated"`
	Offset      int    `json:"offset"`
	Limit       int    `json:"limit"`
	Cursor      int    `json:"cursor,omitempty"`
}

func (t *Tool) read(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path   string          `json:"path"`
		Offset json.RawMessage `json:"offset"`
		Limit  json.RawMessage `json:"limit"`
		Cursor json.RawMessage `json:"cursor"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}
	offset, err := flexInt(params.Offset, 0)
	if err != nil {
		return errResult(err)
	}
	limit, err := flexInt(params.Limit, defaultReadLimit)
	if err != nil {
		return errResult(err)
	}
	hasCursor := len(params.Cursor) > 0 && string(params.Cursor) != "null"
	var cursor int
	if hasCursor {
		cursor, err = flexInt(params.Cursor, 0)
		if err != nil {
			return errResult(err)
		}
	}

	f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if dbErr != nil {
		// Not in the Version Index: fall back to a disk-only read,
		// returned whole and unsynced (no line count, no scrolling —
		// read.rs's documented behavior for filesystem-only files).
		data, derr := t.blobs.ReadLatest(ctx, t.workspaceID, path)
		if derr != nil {
			return errResult(errs.NotFoundf("file not found: %s", path))
		}
		text, terr := contentForRead(path, data)
		if terr != nil {
			return errResult(terr)
		}
		return oasis.ToolResult{Content: mustJSON(readResult{
			Path: path, Content: text, Synced: false,
		})}, nil
	}
	if f.FileType == store.FileTypeFolder {
		return errResult(errs.Validationf("cannot read content of a folder: %s", path))
	}

	data, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
	if err != nil {
		return errResult(errs.Internalf(err, "read %s", path))
	}
	version, err := t.store.GetLatestVersion(ctx, f.ID)
	if err != nil {
		return errResult(errs.Internalf(err, "load latest version for %s", path))
	}

	content, err := contentForRead(path, data)
	if err != nil {
		return errResult(err)
	}
	lines := strings.Split(content, "\n")
	total := len(lines)

	var start int
	switch {
	case hasCursor:
		if offset < 0 {
			up := -offset
			if up >= cursor {
				start = 0
			} else {
				start = cursor - up
			}
		} else {
			start = cursor + offset
		}
	case offset < 0:
		back := -offset
		if back >= total {
			start = 0
		} else {
			start = total - back
		}
	default:
		start = offset
	}
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	truncated := end < total
	sliced := strings.Join(lines[start:end], "\n")

	return oasis.ToolResult{Content: mustJSON(readResult{
		Path:       path,
		Content:    sliced,
		Hash:       version.Hash,
		Synced:     true,
		TotalLines: total,
		Truncated:  truncated,
		Offset:     start,
		Limit:      limit,
		Cursor:     end,
	})}, nil
}

type readMultiResult struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (t *Tool) readMultiple(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	if len(params.Paths) == 0 {
		return errResult(errs.Validationf("paths must be non-empty"))
	}
	if len(params.Paths) > 50 {
		return errResult(errs.Validationf("at most 50 paths may be read in one call, got %d", len(params.Paths)))
	}

	results := make([]readMultiResult, 0, len(params.Paths))
	for _, p := range params.Paths {
		path, err := normalizePath(p)
		if err != nil {
			results = append(results, readMultiResult{Path: p, Success: false, Error: err.Error()})
			continue
		}
		data, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
		if err != nil {
			results = append(results, readMultiResult{Path: path, Success: false, Error: fmt.Sprintf("file not found: %s", path)})
			continue
		}
		results = append(results, readMultiResult{Path: path, Success: true, Content: string(data)})
	}

	return oasis.ToolResult{Content: mustJSON(results)}, nil
}

func mustJSON(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}
