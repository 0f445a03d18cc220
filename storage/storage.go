// Package storage implements the versioned content store: a
// content-addressed archive alongside an O(1)-access working tree,
// used for every File's raw bytes.
//
// On disk, each workspace gets three trees under base/workspaces/<id>/:
//
//	latest/   working tree; current content at each file's path
//	archive/  immutable blobs keyed by a salted SHA-256 hash, sharded
//	          two levels deep (archive/e3/b0/<hash>) to keep directory
//	          sizes bounded
//	trash/    soft-deleted files, one entry per deletion timestamped
//	          at move time
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/internal/telemetry"
)

// Store is the versioned content store rooted at a base directory.
type Store struct {
	basePath string
	inst     *telemetry.Instruments
}

// Option configures a Store.
type Option func(*Store)

// WithTelemetry records a storage.op span plus a duration/count metric
// pair around every blob operation, the storage-layer half of the
// tracing the teacher's observer package applied to its Provider and
// Tool wrappers.
func WithTelemetry(inst *telemetry.Instruments) Option {
	return func(s *Store) { s.inst = inst }
}

// New creates a Store rooted at basePath.
func New(basePath string, opts ...Option) *Store {
	s := &Store{basePath: basePath}
	for _, o := range opts {
		o(s)
	}
	return s
}

// trace starts a storage.op span for op if telemetry is configured,
// recording its outcome and duration when the returned func runs.
// Callers that skip WithTelemetry get a no-op pair.
func (s *Store) trace(ctx context.Context, op, workspaceID, path string) (context.Context, func(error)) {
	if s.inst == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := s.inst.Tracer.Start(ctx, "storage."+op, trace.WithAttributes(
		telemetry.AttrStorageOp.String(op),
		attribute.String("workspace_id", workspaceID),
		attribute.String("path", path),
	))
	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(telemetry.AttrStorageKind.String(status))
		span.End()
		durationMs := float64(time.Since(start).Milliseconds())
		s.inst.StorageOps.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrStorageOp.String(op), attribute.String("status", status),
		))
		s.inst.StorageDuration.Record(ctx, durationMs, metric.WithAttributes(telemetry.AttrStorageOp.String(op)))
	}
}

// Init creates the base workspaces directory.
func (s *Store) Init(ctx context.Context) error {
	dir := s.workspacesRoot()
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Internalf(err, "storage: create workspaces root %s", dir)
	}
	return nil
}

// --- path helpers ---

func (s *Store) workspacesRoot() string {
	return filepath.Join(s.basePath, "workspaces")
}

func (s *Store) workspaceRoot(workspaceID string) string {
	return filepath.Join(s.workspacesRoot(), workspaceID)
}

func (s *Store) latestRoot(workspaceID string) string {
	return filepath.Join(s.workspaceRoot(workspaceID), "latest")
}

func (s *Store) archiveRoot(workspaceID string) string {
	return filepath.Join(s.workspaceRoot(workspaceID), "archive")
}

func (s *Store) trashRoot(workspaceID string) string {
	return filepath.Join(s.workspaceRoot(workspaceID), "trash")
}

// filePath resolves a workspace-relative path to its location in the
// latest tree, rejecting any ".." component to prevent traversal
// outside the workspace.
func (s *Store) filePath(workspaceID, path string) (string, error) {
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return "", errs.Validationf("path cannot contain '..' (parent directory reference): %s", path)
		}
	}
	clean := strings.TrimPrefix(path, "/")
	return filepath.Join(s.latestRoot(workspaceID), clean), nil
}

// archivePath applies 2-level hash sharding, e.g. archive/e3/b0/<hash>.
func (s *Store) archivePath(workspaceID, hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.archiveRoot(workspaceID), hash)
	}
	return filepath.Join(s.archiveRoot(workspaceID), hash[0:2], hash[2:4], hash)
}

// --- hashing ---

// Hash computes the content-addressed hash for content, salted with
// versionID so that two versions with identical bytes still produce
// distinct archive blobs when the caller wants independent lifecycles
// (see spec.md §4.4 on salted dedup).
func Hash(content []byte, versionID string) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(versionID))
	return hex.EncodeToString(h.Sum(nil))
}

// LatestRoot returns the working-tree root for workspaceID, for tools
// that need to walk or shell out over the raw directory tree (ripgrep
// glob/grep, directory listing) rather than go through a single-file
// accessor.
func (s *Store) LatestRoot(workspaceID string) string {
	return s.latestRoot(workspaceID)
}

// ResolvePath validates and resolves a workspace-relative path to its
// location on disk, exported for tools that need the real path (e.g.
// to os.Stat or os.ReadDir it directly) without duplicating the ".."
// rejection logic.
func (s *Store) ResolvePath(workspaceID, path string) (string, error) {
	return s.filePath(workspaceID, path)
}

// Stat reports disk metadata for path, used by read-side tools doing
// DB/disk reconciliation (spec.md §4.3) to detect files that exist on
// disk but have no Version Index entry yet.
func (s *Store) Stat(ctx context.Context, workspaceID, path string) (os.FileInfo, error) {
	full, err := s.filePath(workspaceID, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundf("not found on disk: %s", path)
		}
		return nil, errs.Internalf(err, "storage: stat %s", full)
	}
	return info, nil
}

// --- core operations ---

// ReadLatest reads a file's current content from the working tree.
func (s *Store) ReadLatest(ctx context.Context, workspaceID, path string) ([]byte, error) {
	ctx, end := s.trace(ctx, "read_latest", workspaceID, path)
	var err error
	defer func() { end(err) }()

	full, perr := s.filePath(workspaceID, path)
	if perr != nil {
		err = perr
		return nil, err
	}
	data, rerr := os.ReadFile(full)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			err = errs.NotFoundf("file not found on disk: %s", path)
			return nil, err
		}
		err = errs.Internalf(rerr, "storage: read %s", full)
		return nil, err
	}
	return data, nil
}

// ReadVersion reads a specific archived version by its content hash.
func (s *Store) ReadVersion(ctx context.Context, workspaceID, hash string) ([]byte, error) {
	_, end := s.trace(ctx, "read_version", workspaceID, hash)
	var err error
	defer func() { end(err) }()

	full := s.archivePath(workspaceID, hash)
	data, rerr := os.ReadFile(full)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			err = errs.NotFoundf("version blob not found: %s", hash)
			return nil, err
		}
		err = errs.Internalf(rerr, "storage: read version %s", full)
		return nil, err
	}
	return data, nil
}

// WriteLatest writes content only to the working tree, without
// archiving it. Used to heal the working tree from an existing
// archive blob, where a duplicate archive write would be wasted work.
func (s *Store) WriteLatest(ctx context.Context, workspaceID, path string, content []byte) error {
	_, end := s.trace(ctx, "write_latest", workspaceID, path)
	var err error
	defer func() { end(err) }()

	full, perr := s.filePath(workspaceID, path)
	if perr != nil {
		err = perr
		return err
	}
	if merr := os.MkdirAll(filepath.Dir(full), 0o755); merr != nil {
		err = errs.Internalf(merr, "storage: create directory for %s", full)
		return err
	}
	if werr := os.WriteFile(full, content, 0o644); werr != nil {
		err = errs.Internalf(werr, "storage: write %s", full)
		return err
	}
	return nil
}

// WriteWithHash archives content under hash (skipping the write if the
// blob already exists) and then writes it to the working tree at path.
func (s *Store) WriteWithHash(ctx context.Context, workspaceID, path string, content []byte, hash string) error {
	ctx, end := s.trace(ctx, "write_with_hash", workspaceID, path)
	var err error
	defer func() { end(err) }()

	err = s.writeWithHash(ctx, workspaceID, path, content, hash)
	return err
}

func (s *Store) writeWithHash(ctx context.Context, workspaceID, path string, content []byte, hash string) error {
	archivePath := s.archivePath(workspaceID, hash)
	if _, err := os.Stat(archivePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
			return errs.Internalf(err, "storage: create archive directory for %s", archivePath)
		}
		if err := os.WriteFile(archivePath, content, 0o644); err != nil {
			return errs.Internalf(err, "storage: write archive blob %s", archivePath)
		}
	} else if err != nil {
		return errs.Internalf(err, "storage: stat archive blob %s", archivePath)
	}
	return s.WriteLatest(ctx, workspaceID, path, content)
}

// CreateFolder creates a directory in the working tree. Idempotent.
func (s *Store) CreateFolder(ctx context.Context, workspaceID, path string) error {
	_, end := s.trace(ctx, "create_folder", workspaceID, path)
	var err error
	defer func() { end(err) }()

	dir, perr := s.filePath(workspaceID, path)
	if perr != nil {
		err = perr
		return err
	}
	if merr := os.MkdirAll(dir, 0o755); merr != nil {
		err = errs.Internalf(merr, "storage: create folder %s", dir)
		return err
	}
	return nil
}

// AppendToFile appends content to a file, creating it if absent. This
// bypasses the archive entirely — it is for chat logs, which are
// append-only and versioned at the database layer, not the blob
// layer. A caller that wants a snapshot of an appended file should
// trigger a separate WriteWithHash call.
func (s *Store) AppendToFile(ctx context.Context, workspaceID, path, content string) error {
	_, end := s.trace(ctx, "append_to_file", workspaceID, path)
	var err error
	defer func() { end(err) }()

	full, perr := s.filePath(workspaceID, path)
	if perr != nil {
		err = perr
		return err
	}
	if merr := os.MkdirAll(filepath.Dir(full), 0o755); merr != nil {
		err = errs.Internalf(merr, "storage: create directory for %s", full)
		return err
	}
	f, oerr := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if oerr != nil {
		err = errs.Internalf(oerr, "storage: open for append %s", full)
		return err
	}
	defer f.Close()
	if _, werr := f.WriteString(content); werr != nil {
		err = errs.Internalf(werr, "storage: append to %s", full)
		return err
	}
	return nil
}

// MoveToTrash soft-deletes a file by relocating it into the trash
// tree, named <unix-timestamp>_<slugified-path>. Missing source files
// are treated as already-deleted: the goal ("the file is gone") is
// already satisfied even if database metadata lags disk state.
func (s *Store) MoveToTrash(ctx context.Context, workspaceID, path string) error {
	ctx, end := s.trace(ctx, "move_to_trash", workspaceID, path)
	var terr error
	defer func() { end(terr) }()
	terr = s.moveToTrash(ctx, workspaceID, path)
	return terr
}

func (s *Store) moveToTrash(ctx context.Context, workspaceID, path string) error {
	source, err := s.filePath(workspaceID, path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return nil
	}

	trashDir := s.trashRoot(workspaceID)
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return errs.Internalf(err, "storage: create trash directory %s", trashDir)
	}

	name := fmt.Sprintf("%d_%s", time.Now().Unix(), slugifyPath(path))
	target := filepath.Join(trashDir, name)
	if err := os.Rename(source, target); err != nil {
		return errs.Internalf(err, "storage: move to trash %s -> %s", source, target)
	}
	return nil
}

// EnsureRestored restores a file from the archive if it is absent from
// the working tree. If the file is already present, it is a no-op.
func (s *Store) EnsureRestored(ctx context.Context, workspaceID, path, hash string) error {
	_, end := s.trace(ctx, "ensure_restored", workspaceID, path)
	var err error
	defer func() { end(err) }()

	target, perr := s.filePath(workspaceID, path)
	if perr != nil {
		err = perr
		return err
	}
	if _, serr := os.Stat(target); serr == nil {
		return nil
	}

	archivePath := s.archivePath(workspaceID, hash)
	data, rerr := os.ReadFile(archivePath)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			err = errs.Internalf(rerr, "cannot restore file: archive blob missing for hash %s", hash)
			return err
		}
		err = errs.Internalf(rerr, "storage: read archive blob %s", archivePath)
		return err
	}

	if merr := os.MkdirAll(filepath.Dir(target), 0o755); merr != nil {
		err = errs.Internalf(merr, "storage: create directory for %s", target)
		return err
	}
	if werr := os.WriteFile(target, data, 0o644); werr != nil {
		err = errs.Internalf(werr, "storage: restore %s", target)
		return err
	}
	return nil
}

// DeleteArchiveBlob removes a version blob from the archive. Already
// gone counts as success — the caller's invariant is "the blob is not
// retrievable", which a missing file already satisfies.
func (s *Store) DeleteArchiveBlob(ctx context.Context, workspaceID, hash string) error {
	_, end := s.trace(ctx, "delete_archive_blob", workspaceID, hash)
	var err error
	defer func() { end(err) }()

	full := s.archivePath(workspaceID, hash)
	if rerr := os.Remove(full); rerr != nil {
		if os.IsNotExist(rerr) {
			return nil
		}
		err = errs.Internalf(rerr, "storage: delete archive blob %s", full)
		return err
	}
	return nil
}

// Move renames a file within the working tree.
func (s *Store) Move(ctx context.Context, workspaceID, oldPath, newPath string) error {
	_, end := s.trace(ctx, "move", workspaceID, oldPath)
	var err error
	defer func() { end(err) }()
	err = s.move(workspaceID, oldPath, newPath)
	return err
}

func (s *Store) move(workspaceID, oldPath, newPath string) error {
	source, err := s.filePath(workspaceID, oldPath)
	if err != nil {
		return err
	}
	target, err := s.filePath(workspaceID, newPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return errs.NotFoundf("file not found for move: %s", oldPath)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errs.Internalf(err, "storage: create directory for %s", target)
	}
	if err := os.Rename(source, target); err != nil {
		return errs.Internalf(err, "storage: move %s -> %s", source, target)
	}
	return nil
}

// slugifyPath turns a workspace path into a filesystem-safe token for
// trash filenames, replacing path separators and collapsing runs of
// non-alphanumeric characters to a single hyphen.
func slugifyPath(path string) string {
	var b strings.Builder
	lastWasHyphen := false
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasHyphen = false
		default:
			if !lastWasHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastWasHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return out
}
