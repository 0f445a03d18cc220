package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/internal/idgen"
	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
)

type writeResult struct {
	Path      string `json:"path"`
	VersionID string `json:"version_id"`
	Dedup     bool   `json:"dedup"`
}

func (t *Tool) write(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}

	f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if dbErr != nil {
		f, err = t.createFile(ctx, path, store.FileTypeDocument)
		if err != nil {
			return errResult(err)
		}
	} else if f.FileType == store.FileTypeFolder {
		return errResult(errs.Validationf("cannot write content to a folder: %s", path))
	} else if f.IsVirtual {
		return errResult(errs.Validationf("file is virtual and cannot be written directly: %s", path))
	}

	return t.persistContent(ctx, path, f, []byte(params.Content))
}

// persistContent writes content as a new version of f, deduplicating
// against the current latest version's bytes (spec.md §4.3: "Duplicate
// content writes return the same version id").
func (t *Tool) persistContent(ctx context.Context, path string, f store.File, content []byte) (oasis.ToolResult, error) {
	if f.LatestVersionID != nil {
		current, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
		if err == nil && bytes.Equal(current, content) {
			return oasis.ToolResult{Content: mustJSON(writeResult{Path: path, VersionID: *f.LatestVersionID, Dedup: true})}, nil
		}
	}

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
		return errResult(errs.Internalf(err, "create file version for %s", path))
	}

	f.LatestVersionID = &versionID
	f.UpdatedAt = now
	if err := t.store.UpdateFile(ctx, f); err != nil {
		return errResult(errs.Internalf(err, "update file %s", path))
	}
	return oasis.ToolResult{Content: mustJSON(writeResult{Path: path, VersionID: versionID})}, nil
}

func (t *Tool) createFile(ctx context.Context, path string, ft store.FileType) (store.File, error) {
	parent, name := parentPath(path)
	parentID, err := t.resolveParentID(ctx, parent)
	if err != nil {
		return store.File{}, err
	}
	now := idgen.NowUnix()
	f := store.File{
		ID: idgen.New(), WorkspaceID: t.workspaceID, ParentID: parentID,
		Name: name, Slug: slugify(name), Path: path, FileType: ft,
		Status: store.FileStatusReady, CreatedAt: now, UpdatedAt: now,
	}
	if err := t.store.CreateFile(ctx, f); err != nil {
		return store.File{}, errs.Internalf(err, "create file %s", path)
	}
	return f, nil
}

func slugify(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func (t *Tool) mkdir(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
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

	if f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path); dbErr == nil {
		if f.FileType == store.FileTypeFolder {
			return oasis.ToolResult{Content: "folder already exists: " + path}, nil
		}
		return errResult(errs.Conflictf("a file already exists at %s", path))
	}

	if _, err := t.createFile(ctx, path, store.FileTypeFolder); err != nil {
		return errResult(err)
	}
	if err := t.blobs.CreateFolder(ctx, t.workspaceID, path); err != nil {
		return errResult(err)
	}
	return oasis.ToolResult{Content: "created folder " + path}, nil
}

func (t *Tool) rm(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
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

	f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if dbErr != nil {
		return errResult(errs.NotFoundf("file not found: %s", path))
	}
	if f.IsVirtual {
		return errResult(errs.Validationf("file is virtual and cannot be deleted directly: %s", path))
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
		return errResult(errs.Internalf(err, "delete file %s", path))
	}
	return oasis.ToolResult{Content: "deleted " + path}, nil
}

func (t *Tool) mv(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	srcPath, err := normalizePath(params.Source)
	if err != nil {
		return errResult(err)
	}
	dstRaw := params.Destination
	dstIsDir := strings.HasSuffix(dstRaw, "/") && dstRaw != ""
	dstPath, err := normalizePath(dstRaw)
	if err != nil {
		return errResult(err)
	}

	src, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, srcPath)
	if dbErr != nil {
		return errResult(errs.NotFoundf("source file not found: %s", srcPath))
	}

	var targetParentID *string
	var targetName string

	switch {
	case dstIsDir:
		if dstPath == "/" {
			targetParentID = nil
		} else {
			dir, err := t.store.GetFileByPath(ctx, t.workspaceID, dstPath)
			if err != nil {
				return errResult(errs.NotFoundf("destination directory not found: %s", dstPath))
			}
			if dir.FileType != store.FileTypeFolder {
				return errResult(errs.Validationf("destination path ends with / but is not a folder: %s", dstPath))
			}
			targetParentID = &dir.ID
		}
		targetName = src.Name

	default:
		if dest, err := t.store.GetFileByPath(ctx, t.workspaceID, dstPath); err == nil {
			if dest.FileType != store.FileTypeFolder {
				return errResult(errs.Conflictf("destination file already exists: %s", dstPath))
			}
			targetParentID = &dest.ID
			targetName = src.Name
		} else {
			parent, name := parentPath(dstPath)
			targetParentID, err = t.resolveParentID(ctx, parent)
			if err != nil {
				return errResult(err)
			}
			targetName = name
		}
	}

	if src.FileType == store.FileTypeFolder && targetParentID != nil {
		if descendant, err := t.isDescendant(ctx, *targetParentID, src.ID); err != nil {
			return errResult(err)
		} else if descendant {
			return errResult(errs.Validationf("cannot move a folder into itself or a subfolder"))
		}
	}

	newPath := dstPath
	if dstIsDir || targetName != "" {
		parent := "/"
		if targetParentID != nil {
			pf, err := t.store.GetFile(ctx, t.workspaceID, *targetParentID)
			if err == nil {
				parent = pf.Path
			}
		}
		if parent == "/" {
			newPath = "/" + targetName
		} else {
			newPath = parent + "/" + targetName
		}
	}

	if err := t.blobs.Move(ctx, t.workspaceID, srcPath, newPath); err != nil {
		return errResult(err)
	}

	oldPath := src.Path
	src.ParentID = targetParentID
	src.Name = targetName
	src.Slug = slugify(targetName)
	src.Path = newPath
	src.UpdatedAt = idgen.NowUnix()
	if err := t.store.UpdateFile(ctx, src); err != nil {
		return errResult(errs.Internalf(err, "update moved file %s", oldPath))
	}
	if src.FileType == store.FileTypeFolder {
		if err := t.store.RewriteDescendantPaths(ctx, t.workspaceID, src.ID, oldPath, newPath); err != nil {
			return errResult(errs.Internalf(err, "rewrite descendant paths under %s", oldPath))
		}
	}

	return oasis.ToolResult{Content: "moved " + oldPath + " -> " + newPath}, nil
}

// isDescendant reports whether candidateID is folderID itself or lies
// anywhere beneath it, walking ParentID links up from candidateID.
func (t *Tool) isDescendant(ctx context.Context, candidateID, folderID string) (bool, error) {
	id := candidateID
	for i := 0; i < 1000; i++ {
		if id == folderID {
			return true, nil
		}
		f, err := t.store.GetFile(ctx, t.workspaceID, id)
		if err != nil || f.ParentID == nil {
			return false, nil
		}
		id = *f.ParentID
	}
	return false, errs.Internalf(nil, "descendant check exceeded depth limit")
}

func (t *Tool) edit(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path          string          `json:"path"`
		OldString     string          `json:"old_string"`
		NewString     string          `json:"new_string"`
		InsertLine    json.RawMessage `json:"insert_line"`
		InsertContent string          `json:"insert_content"`
		LastReadHash  string          `json:"last_read_hash"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}

	hasReplace := params.OldString != ""
	hasInsert := len(params.InsertLine) > 0 && string(params.InsertLine) != "null"
	if hasReplace == hasInsert {
		return errResult(errs.Validationf("edit requires exactly one of (old_string,new_string) or (insert_line,insert_content)"))
	}

	f, err := t.requireFile(ctx, path)
	if err != nil {
		return errResult(err)
	}
	if f.IsVirtual {
		return errResult(errs.Validationf("file is virtual and cannot be edited directly: %s", path))
	}
	if params.LastReadHash != "" && f.LatestVersionID != nil {
		v, err := t.store.GetFileVersion(ctx, *f.LatestVersionID)
		if err == nil && v.Hash != params.LastReadHash {
			return errResult(errs.Conflictf("file changed since last read: %s", path))
		}
	}

	data, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
	if err != nil {
		return errResult(err)
	}
	content := string(data)

	var updated string
	if hasReplace {
		count := strings.Count(content, params.OldString)
		if count == 0 {
			return errResult(errs.Validationf("old_string not found in %s", path))
		}
		if count > 1 {
			return errResult(errs.Validationf("old_string occurs %d times in %s, must be unique", count, path))
		}
		updated = strings.Replace(content, params.OldString, params.NewString, 1)
	} else {
		line, err := flexInt(params.InsertLine, 0)
		if err != nil {
			return errResult(err)
		}
		lines := strings.Split(content, "\n")
		if line < 0 {
			line = 0
		}
		if line > len(lines) {
			line = len(lines)
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:line]...)
		out = append(out, params.InsertContent)
		out = append(out, lines[line:]...)
		updated = strings.Join(out, "\n")
	}

	return t.persistContent(ctx, path, f, []byte(updated))
}

func (t *Tool) editMany(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path      string `json:"path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := normalizePath(params.Path)
	if err != nil {
		return errResult(err)
	}
	if params.OldString == "" {
		return errResult(errs.Validationf("old_string must be non-empty"))
	}

	f, err := t.requireFile(ctx, path)
	if err != nil {
		return errResult(err)
	}
	if f.IsVirtual {
		return errResult(errs.Validationf("file is virtual and cannot be edited directly: %s", path))
	}

	data, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
	if err != nil {
		return errResult(err)
	}
	content := string(data)
	count := strings.Count(content, params.OldString)
	if count == 0 {
		return errResult(errs.Validationf("old_string not found in %s", path))
	}
	updated := strings.ReplaceAll(content, params.OldString, params.NewString)
	return t.persistContent(ctx, path, f, []byte(updated))
}

func (t *Tool) requireFile(ctx context.Context, path string) (store.File, error) {
	f, err := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if err != nil {
		return store.File{}, errs.NotFoundf("file not found: %s", path)
	}
	if f.FileType == store.FileTypeFolder {
		return store.File{}, errs.Validationf("cannot edit a folder: %s", path)
	}
	return f, nil
}
