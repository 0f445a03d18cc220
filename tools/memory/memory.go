// Package memory implements the Tool Set's memory_set/memory_get/
// memory_search/memory_list/memory_delete tools, managing Memory
// files with YAML frontmatter (title, tags, category, scope,
// timestamps) under /memories/ (scope=global) or
// /users/{user_id}/memories/ (scope=user).
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/internal/idgen"
	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
)

type scope string

const (
	scopeUser   scope = "user"
	scopeGlobal scope = "global"
)

// Tool provides the memory_* tool set for one workspace, acting as
// userID — mutations to another user's user-scoped memories are
// rejected regardless of which tool call requests them.
type Tool struct {
	workspaceID string
	userID      string
	store       store.Store
	blobs       *storage.Store
}

func New(workspaceID, userID string, st store.Store, blobs *storage.Store) *Tool {
	return &Tool{workspaceID: workspaceID, userID: userID, store: st, blobs: blobs}
}

func (t *Tool) Definitions() []oasis.ToolDefinition {
	scopeSchema := `{"type":"string","enum":["user","global"]}`
	return []oasis.ToolDefinition{
		{Name: "memory_set", Description: "Create or update a Memory file for a category/key, with a title and body. scope=user memories belong to the acting user only.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"scope":` + scopeSchema + `,"category":{"type":"string"},"key":{"type":"string"},"title":{"type":"string"},"body":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["scope","category","key","body"]}`)},
		{Name: "memory_get", Description: "Read a Memory file by scope/category/key. Returns frontmatter, raw body, and a rendered HTML preview.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"scope":` + scopeSchema + `,"category":{"type":"string"},"key":{"type":"string"}},"required":["scope","category","key"]}`)},
		{Name: "memory_search", Description: "Search Memory file bodies for a substring, optionally restricted to a scope and/or category.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"scope":` + scopeSchema + `,"category":{"type":"string"}},"required":["query"]}`)},
		{Name: "memory_list", Description: "List Memory files, optionally restricted to a scope and/or category.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"scope":` + scopeSchema + `,"category":{"type":"string"}}}`)},
		{Name: "memory_delete", Description: "Delete a Memory file by scope/category/key.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"scope":` + scopeSchema + `,"category":{"type":"string"},"key":{"type":"string"}},"required":["scope","category","key"]}`)},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (oasis.ToolResult, error) {
	switch name {
	case "memory_set":
		return t.set(ctx, args)
	case "memory_get":
		return t.get(ctx, args)
	case "memory_search":
		return t.search(ctx, args)
	case "memory_list":
		return t.list(ctx, args)
	case "memory_delete":
		return t.delete(ctx, args)
	default:
		return oasis.ToolResult{Error: "unknown memory tool: " + name}, nil
	}
}

func errResult(err error) (oasis.ToolResult, error) {
	return oasis.ToolResult{Error: errs.Safe(err)}, nil
}

// memoryPath builds the path for a scope/category/key triple — unless
// scope is user, in which case it is always scoped under the acting
// user's own directory, never an arbitrary owner passed in by the
// caller (spec.md §3: access to user-scoped memories is restricted to
// their owner).
func (t *Tool) memoryPath(sc scope, category, key string) (string, error) {
	if category == "" || key == "" {
		return "", errs.Validationf("category and key are required")
	}
	if strings.ContainsAny(category, "/.") || strings.ContainsAny(key, "/.") {
		return "", errs.Validationf("category and key must not contain '/' or '.'")
	}
	switch sc {
	case scopeGlobal:
		return "/memories/" + category + "/" + key + ".md", nil
	case scopeUser, "":
		return "/users/" + t.userID + "/memories/" + category + "/" + key + ".md", nil
	default:
		return "", errs.Validationf("unknown scope: %s", sc)
	}
}

type frontmatter struct {
	Title     string   `yaml:"title" json:"title"`
	Category  string   `yaml:"category" json:"category"`
	Scope     string   `yaml:"scope" json:"scope"`
	Tags      []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt int64    `yaml:"created_at" json:"created_at"`
	UpdatedAt int64    `yaml:"updated_at" json:"updated_at"`
}

func render(fm frontmatter, body string) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", errs.Internalf(err, "encode memory frontmatter")
	}
	enc.Close()
	return "---\n" + buf.String() + "---\n" + body, nil
}

func parse(content string) (frontmatter, string, error) {
	const delim = "---"
	if !strings.HasPrefix(content, delim+"\n") {
		return frontmatter{}, content, nil
	}
	rest := content[len(delim)+1:]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return frontmatter{}, content, nil
	}
	raw := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n"+delim):], "\n")
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return frontmatter{}, "", errs.Validationf("invalid YAML frontmatter: %v", err)
	}
	return fm, body, nil
}

func (t *Tool) set(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Scope    scope    `json:"scope"`
		Category string   `json:"category"`
		Key      string   `json:"key"`
		Title    string   `json:"title"`
		Body     string   `json:"body"`
		Tags     []string `json:"tags"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := t.memoryPath(params.Scope, params.Category, params.Key)
	if err != nil {
		return errResult(err)
	}

	now := idgen.NowUnix()
	fm := frontmatter{Title: params.Title, Category: params.Category, Scope: string(params.Scope), Tags: params.Tags, CreatedAt: now, UpdatedAt: now}

	f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if dbErr == nil {
		if old, _, perr := parse(mustRead(ctx, t.blobs, t.workspaceID, path)); perr == nil {
			fm.CreatedAt = old.CreatedAt
			if fm.CreatedAt == 0 {
				fm.CreatedAt = now
			}
		}
	} else {
		f, err = t.createMemoryFile(ctx, path, params.Category, params.Key)
		if err != nil {
			return errResult(err)
		}
	}

	content, err := render(fm, params.Body)
	if err != nil {
		return errResult(err)
	}
	return t.persist(ctx, path, f, []byte(content))
}

func mustRead(ctx context.Context, blobs *storage.Store, workspaceID, path string) string {
	data, err := blobs.ReadLatest(ctx, workspaceID, path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (t *Tool) createMemoryFile(ctx context.Context, path, category, key string) (store.File, error) {
	idx := strings.LastIndex(path, "/")
	parentDir := path[:idx]
	name := path[idx+1:]

	parentID, err := t.ensureFolder(ctx, parentDir)
	if err != nil {
		return store.File{}, err
	}

	now := idgen.NowUnix()
	f := store.File{
		ID: idgen.New(), WorkspaceID: t.workspaceID, ParentID: parentID,
		Name: name, Slug: category + "-" + key, Path: path,
		FileType: store.FileTypeMemory, Status: store.FileStatusReady,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := t.store.CreateFile(ctx, f); err != nil {
		return store.File{}, errs.Internalf(err, "create memory file %s", path)
	}
	return f, nil
}

// ensureFolder creates every missing folder component of dirPath,
// returning the leaf folder's File.ID.
func (t *Tool) ensureFolder(ctx context.Context, dirPath string) (*string, error) {
	if dirPath == "" || dirPath == "/" {
		return nil, nil
	}
	if existing, err := t.store.GetFileByPath(ctx, t.workspaceID, dirPath); err == nil {
		return &existing.ID, nil
	}

	parentDir := dirPath[:strings.LastIndex(dirPath, "/")]
	name := dirPath[strings.LastIndex(dirPath, "/")+1:]
	parentID, err := t.ensureFolder(ctx, parentDir)
	if err != nil {
		return nil, err
	}

	now := idgen.NowUnix()
	folder := store.File{
		ID: idgen.New(), WorkspaceID: t.workspaceID, ParentID: parentID,
		Name: name, Slug: name, Path: dirPath, FileType: store.FileTypeFolder,
		Status: store.FileStatusReady, CreatedAt: now, UpdatedAt: now,
	}
	if err := t.store.CreateFile(ctx, folder); err != nil {
		return nil, errs.Internalf(err, "create folder %s", dirPath)
	}
	if err := t.blobs.CreateFolder(ctx, t.workspaceID, dirPath); err != nil {
		return nil, err
	}
	return &folder.ID, nil
}

func (t *Tool) persist(ctx context.Context, path string, f store.File, content []byte) (oasis.ToolResult, error) {
	versionID := idgen.New()
	hash := storage.Hash(content, versionID)
	if err := t.blobs.WriteWithHash(ctx, t.workspaceID, path, content, hash); err != nil {
		return errResult(err)
	}
	contentRaw, _ := json.Marshal(map[string]string{"text": string(content)})
	now := idgen.NowUnix()
	version := store.FileVersion{
		ID: versionID, FileID: f.ID, WorkspaceID: t.workspaceID,
		Branch: "main", ContentRaw: contentRaw, Hash: hash, CreatedAt: now,
	}
	if err := t.store.CreateFileVersion(ctx, version); err != nil {
		return errResult(errs.Internalf(err, "create memory version for %s", path))
	}
	f.LatestVersionID = &versionID
	f.UpdatedAt = now
	if err := t.store.UpdateFile(ctx, f); err != nil {
		return errResult(errs.Internalf(err, "update memory file %s", path))
	}
	out, _ := json.Marshal(map[string]string{"path": path, "version_id": versionID})
	return oasis.ToolResult{Content: string(out)}, nil
}

type memoryResult struct {
	Path        string      `json:"path"`
	Frontmatter frontmatter `json:"frontmatter"`
	Body        string      `json:"body"`
	RenderedPreview string  `json:"rendered_preview"`
}

func (t *Tool) get(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Scope    scope  `json:"scope"`
		Category string `json:"category"`
		Key      string `json:"key"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := t.memoryPath(params.Scope, params.Category, params.Key)
	if err != nil {
		return errResult(err)
	}
	data, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
	if err != nil {
		return errResult(errs.NotFoundf("memory not found: %s/%s", params.Category, params.Key))
	}
	fm, body, err := parse(string(data))
	if err != nil {
		return errResult(err)
	}
	var html bytes.Buffer
	_ = goldmark.Convert([]byte(body), &html)
	out, _ := json.Marshal(memoryResult{Path: path, Frontmatter: fm, Body: body, RenderedPreview: html.String()})
	return oasis.ToolResult{Content: string(out)}, nil
}

func (t *Tool) delete(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Scope    scope  `json:"scope"`
		Category string `json:"category"`
		Key      string `json:"key"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := t.memoryPath(params.Scope, params.Category, params.Key)
	if err != nil {
		return errResult(err)
	}
	f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if dbErr != nil {
		return errResult(errs.NotFoundf("memory not found: %s/%s", params.Category, params.Key))
	}
	if err := t.blobs.MoveToTrash(ctx, t.workspaceID, path); err != nil {
		return errResult(err)
	}
	if f.LatestVersionID != nil {
		if v, err := t.store.GetFileVersion(ctx, *f.LatestVersionID); err == nil {
			_ = t.store.EnqueueArchiveCleanup(ctx, t.workspaceID, v.Hash)
		}
	}
	if err := t.store.DeleteFile(ctx, t.workspaceID, f.ID); err != nil {
		return errResult(errs.Internalf(err, "delete memory %s", path))
	}
	return oasis.ToolResult{Content: "deleted " + path}, nil
}

type listEntry struct {
	Path     string `json:"path"`
	Category string `json:"category"`
	Title    string `json:"title"`
}

func (t *Tool) list(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Scope    scope  `json:"scope"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	var entries []listEntry
	for _, root := range t.rootsFor(params.Scope) {
		t.walkMemories(ctx, root, func(path string, fm frontmatter, _ string) {
			if params.Category != "" && fm.Category != params.Category {
				return
			}
			entries = append(entries, listEntry{Path: path, Category: fm.Category, Title: fm.Title})
		})
	}
	out, _ := json.Marshal(entries)
	return oasis.ToolResult{Content: string(out)}, nil
}

type searchMatch struct {
	Path  string `json:"path"`
	Title string `json:"title"`
	Line  string `json:"line"`
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Query    string `json:"query"`
		Scope    scope  `json:"scope"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	if strings.TrimSpace(params.Query) == "" {
		return errResult(errs.Validationf("query must not be empty"))
	}

	var matches []searchMatch
	for _, root := range t.rootsFor(params.Scope) {
		t.walkMemories(ctx, root, func(path string, fm frontmatter, body string) {
			if params.Category != "" && fm.Category != params.Category {
				return
			}
			for _, line := range strings.Split(body, "\n") {
				if strings.Contains(strings.ToLower(line), strings.ToLower(params.Query)) {
					matches = append(matches, searchMatch{Path: path, Title: fm.Title, Line: line})
				}
			}
		})
	}
	out, _ := json.Marshal(matches)
	return oasis.ToolResult{Content: string(out)}, nil
}

// rootsFor returns the directory roots to search for a given scope
// filter — both when unspecified, so memory_list/memory_search without
// a scope covers the acting user's own memories plus global ones, never
// another user's.
func (t *Tool) rootsFor(sc scope) []string {
	switch sc {
	case scopeGlobal:
		return []string{"/memories"}
	case scopeUser:
		return []string{"/users/" + t.userID + "/memories"}
	default:
		return []string{"/memories", "/users/" + t.userID + "/memories"}
	}
}

// walkMemories walks every .md file on disk under root, invoking fn
// with its parsed frontmatter and body. Missing roots are silently
// skipped (no memories saved yet under that scope).
func (t *Tool) walkMemories(ctx context.Context, root string, fn func(path string, fm frontmatter, body string)) {
	diskRoot, err := t.blobs.ResolvePath(t.workspaceID, root)
	if err != nil {
		return
	}
	walkDir(diskRoot, root, func(relPath string) {
		data, err := t.blobs.ReadLatest(ctx, t.workspaceID, relPath)
		if err != nil || !strings.HasSuffix(relPath, ".md") {
			return
		}
		fm, body, err := parse(string(data))
		if err != nil {
			return
		}
		fn(relPath, fm, body)
	})
}

// walkDir walks diskRoot on disk, invoking fn with each regular
// file's path expressed relative to the workspace (virtualRoot
// prefix instead of the real filesystem prefix).
func walkDir(diskRoot, virtualRoot string, fn func(path string)) {
	_ = filepath.WalkDir(diskRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(diskRoot, path)
		if err != nil {
			return nil
		}
		fn(virtualRoot + "/" + filepath.ToSlash(rel))
		return nil
	})
}
