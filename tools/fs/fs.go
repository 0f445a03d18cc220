// Package fs implements the Tool Set's file-system tools: ls, read,
// read_multiple_files, write, edit, edit_many, mv, rm, mkdir, glob,
// grep, and find, operating against one workspace's Version Index
// (store.Store) and content-addressed blob tree (storage.Store).
//
// Every tool is scoped to the workspace and user a Tool is constructed
// with, mirroring the teacher's workspace-scoped file.Tool; mode
// gating (plan vs build) is enforced one layer up, by
// oasis.ToolRegistry.ExecuteInMode, not by these tools themselves.
package fs

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
)

// Tool provides the file-system tool set for one workspace.
type Tool struct {
	workspaceID string
	userID      string
	store       store.Store
	blobs       *storage.Store
}

// New creates a Tool scoped to workspaceID, acting as userID for any
// authored records it creates.
func New(workspaceID, userID string, st store.Store, blobs *storage.Store) *Tool {
	return &Tool{workspaceID: workspaceID, userID: userID, store: st, blobs: blobs}
}

func (t *Tool) Definitions() []oasis.ToolDefinition {
	return []oasis.ToolDefinition{
		{Name: "ls", Description: "List files and folders at a directory path. Merges the Version Index with files found on disk; disk-only entries are reported with synced=false.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path (default '/')"}}}`)},
		{Name: "read", Description: "Read a file. Supports offset (negative = from end), limit (default 500 lines), and cursor (scroll mode: offset relative to cursor).",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"offset":{"type":["integer","string"]},"limit":{"type":["integer","string"]},"cursor":{"type":["integer","string","null"]}},"required":["path"]}`)},
		{Name: "read_multiple_files", Description: "Read up to 50 files in one call. Returns a per-file success flag and content or error.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"paths":{"type":"array","items":{"type":"string"}}},"required":["paths"]}`)},
		{Name: "write", Description: "Create or replace a file. Writing identical content to an existing file returns the same version (dedup).",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)},
		{Name: "edit", Description: "Replace a unique substring, or insert content at a line. Provide either (old_string, new_string) or (insert_line, insert_content), not both.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"},"insert_line":{"type":["integer","string"]},"insert_content":{"type":"string"},"last_read_hash":{"type":"string"}},"required":["path"]}`)},
		{Name: "edit_many", Description: "Replace every occurrence of a substring in a file.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"}},"required":["path","old_string","new_string"]}`)},
		{Name: "mv", Description: "Rename or move a file. Destination ending in '/' is a folder target.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"source":{"type":"string"},"destination":{"type":"string"}},"required":["source","destination"]}`)},
		{Name: "rm", Description: "Delete a file, moving it to trash and enqueueing archive cleanup.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)},
		{Name: "mkdir", Description: "Create a folder. Idempotent.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)},
		{Name: "glob", Description: "Find files matching a glob pattern (e.g. '*.go', '**/*.md').",
			Parameters: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string"}},"required":["pattern"]}`)},
		{Name: "grep", Description: "Search file contents by regex, with optional context lines.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string"},"case_sensitive":{"type":"boolean"},"before_context":{"type":["integer","string"]},"after_context":{"type":["integer","string"]},"context":{"type":["integer","string"]}},"required":["pattern"]}`)},
		{Name: "find", Description: "Search for files by name glob, file type, and size bounds.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"path":{"type":"string"},"file_type":{"type":"string","enum":["file","folder"]},"min_size":{"type":["integer","string"]},"max_size":{"type":["integer","string"]},"recursive":{"type":"boolean"}}}`)},
		{Name: "fetch_url", Description: "Fetch a remote URL and extract its readable text content. If path is given, persists the extracted text as a Document at that path.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"},"path":{"type":"string"}},"required":["url"]}`)},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (oasis.ToolResult, error) {
	switch name {
	case "ls":
		return t.ls(ctx, args)
	case "read":
		return t.read(ctx, args)
	case "read_multiple_files":
		return t.readMultiple(ctx, args)
	case "write":
		return t.write(ctx, args)
	case "edit":
		return t.edit(ctx, args)
	case "edit_many":
		return t.editMany(ctx, args)
	case "mv":
		return t.mv(ctx, args)
	case "rm":
		return t.rm(ctx, args)
	case "mkdir":
		return t.mkdir(ctx, args)
	case "glob":
		return t.glob(ctx, args)
	case "grep":
		return t.grep(ctx, args)
	case "find":
		return t.find(ctx, args)
	case "fetch_url":
		return t.fetchURL(ctx, args)
	default:
		return oasis.ToolResult{Error: "unknown fs tool: " + name}, nil
	}
}

// errResult renders err as a ToolResult, masking internal detail the
// way errs.Safe masks it for HTTP clients — the model is just another
// consumer that should see "invalid request" detail but never a raw
// I/O or database error string.
func errResult(err error) (oasis.ToolResult, error) {
	return oasis.ToolResult{Error: errs.Safe(err)}, nil
}

// normalizePath makes path absolute and collapses redundant
// separators, rejecting any ".." component before any filesystem or
// database call — spec.md §4.3's path normalisation rule.
func normalizePath(p string) (string, error) {
	if p == "" {
		p = "/"
	}
	parts := strings.Split(p, "/")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if part == ".." {
			return "", errs.Validationf("path cannot contain '..' (parent directory reference): %s", p)
		}
		clean = append(clean, part)
	}
	if len(clean) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(clean, "/"), nil
}

// flexInt parses an optional numeric field that the model may emit as
// either a JSON number or a numeric string, returning def if raw is
// absent or null — spec.md §4.3's numeric-argument flexibility rule.
func flexInt(raw json.RawMessage, def int) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return def, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errs.Validationf("expected a number or numeric string")
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errs.Validationf("expected a number or numeric string, got %q", s)
	}
	return v, nil
}

// parentPath returns the normalized parent directory of path ("/" if
// path is already at root) and the path's final component.
func parentPath(path string) (string, string) {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/", strings.TrimPrefix(trimmed, "/")
	}
	return trimmed[:idx], trimmed[idx+1:]
}

// resolveParentID looks up the File.ID of dirPath's folder, nil for
// workspace root, or a NotFound error if no such folder is registered.
func (t *Tool) resolveParentID(ctx context.Context, dirPath string) (*string, error) {
	if dirPath == "/" || dirPath == "" {
		return nil, nil
	}
	f, err := t.store.GetFileByPath(ctx, t.workspaceID, dirPath)
	if err != nil {
		return nil, errs.NotFoundf("destination parent directory not found: %s", dirPath)
	}
	if f.FileType != store.FileTypeFolder {
		return nil, errs.Validationf("parent path is not a folder: %s", dirPath)
	}
	return &f.ID, nil
}
