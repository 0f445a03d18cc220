// Package plan implements the Tool Set's plan_read/plan_write/plan_edit
// tools, operating only on `.plan` files under /plans/, preserving YAML
// frontmatter across edits, and auto-generating a three-word hyphenated
// filename when a caller omits one.
package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/internal/idgen"
	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
)

const plansRoot = "/plans"

// Tool provides the plan_* tool set for one workspace.
type Tool struct {
	workspaceID string
	userID      string
	store       store.Store
	blobs       *storage.Store
}

// New creates a Tool scoped to workspaceID.
func New(workspaceID, userID string, st store.Store, blobs *storage.Store) *Tool {
	return &Tool{workspaceID: workspaceID, userID: userID, store: st, blobs: blobs}
}

func (t *Tool) Definitions() []oasis.ToolDefinition {
	return []oasis.ToolDefinition{
		{Name: "plan_read", Description: "Read a .plan file under /plans/. Returns frontmatter and body separately.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)},
		{Name: "plan_write", Description: "Create a .plan file under /plans/ with YAML frontmatter and a Markdown body. If path is omitted, a three-word hyphenated filename is generated.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"frontmatter":{"type":"object"},"body":{"type":"string"}},"required":["body"]}`)},
		{Name: "plan_edit", Description: "Edit a .plan file's body (unique substring replace or line insert) or merge new frontmatter fields, preserving unknown existing fields.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"},"insert_line":{"type":["integer","string"]},"insert_content":{"type":"string"},"frontmatter":{"type":"object"}},"required":["path"]}`)},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (oasis.ToolResult, error) {
	switch name {
	case "plan_read":
		return t.read(ctx, args)
	case "plan_write":
		return t.write(ctx, args)
	case "plan_edit":
		return t.edit(ctx, args)
	default:
		return oasis.ToolResult{Error: "unknown plan tool: " + name}, nil
	}
}

func errResult(err error) (oasis.ToolResult, error) {
	return oasis.ToolResult{Error: errs.Safe(err)}, nil
}

// withinPlans validates that path is a `.plan` file under /plans/,
// rejecting anything else before any store or disk call — spec.md
// §4.3's rule that plan_* writes are forbidden outside /plans/ even in
// build mode.
func withinPlans(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if strings.Contains(path, "..") {
		return "", errs.Validationf("path cannot contain '..': %s", path)
	}
	if !strings.HasPrefix(path, plansRoot+"/") {
		return "", errs.Validationf("plan tools may only operate under %s/: %s", plansRoot, path)
	}
	if !strings.HasSuffix(path, ".plan") {
		return "", errs.Validationf("plan path must end in .plan: %s", path)
	}
	return path, nil
}

type doc struct {
	Frontmatter map[string]any `json:"frontmatter"`
	Body        string         `json:"body"`
}

// splitFrontmatter separates a leading `---\n...\n---\n` YAML block
// from the remaining Markdown body. A file with no frontmatter block
// returns an empty map and the whole content as body.
func splitFrontmatter(content string) (map[string]any, string, error) {
	const delim = "---"
	if !strings.HasPrefix(content, delim+"\n") {
		return map[string]any{}, content, nil
	}
	rest := content[len(delim)+1:]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return map[string]any{}, content, nil
	}
	raw := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n"+delim):], "\n")

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return nil, "", errs.Validationf("invalid YAML frontmatter: %v", err)
	}
	return fm, body, nil
}

// joinFrontmatter re-renders a frontmatter map and body into a single
// `.plan` file, preserving every field already present in fm.
func joinFrontmatter(fm map[string]any, body string) (string, error) {
	if len(fm) == 0 {
		return body, nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", errs.Internalf(err, "encode frontmatter")
	}
	enc.Close()
	return "---\n" + buf.String() + "---\n" + body, nil
}

func (t *Tool) read(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := withinPlans(params.Path)
	if err != nil || path == "" {
		if err == nil {
			err = errs.Validationf("path is required")
		}
		return errResult(err)
	}

	data, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
	if err != nil {
		return errResult(errs.NotFoundf("plan not found: %s", path))
	}
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return errResult(err)
	}
	out, _ := json.Marshal(doc{Frontmatter: fm, Body: body})
	return oasis.ToolResult{Content: string(out)}, nil
}

// threeWordName derives a hyphenated three-word filename from the
// character sum of a fresh idgen.New() id. Different calls can yield
// the same name; write checks for a collision and tries up to 5 names.
func threeWordName() string {
	id := idgen.New()
	sum := 0
	for _, r := range id {
		sum += int(r)
	}
	a := adjectives[sum%len(adjectives)]
	b := nouns[(sum/7)%len(nouns)]
	c := nouns[(sum/13+1)%len(nouns)]
	return fmt.Sprintf("%s-%s-%s", a, b, c)
}

var adjectives = []string{"quiet", "swift", "amber", "bold", "calm", "eager", "fresh", "grey", "keen", "lucid", "mild", "nimble", "sharp", "solid", "still", "vivid"}
var nouns = []string{"river", "summit", "harbor", "ember", "lantern", "meadow", "orbit", "pebble", "quarry", "ridge", "signal", "tundra", "vector", "willow", "zenith", "anchor"}

func (t *Tool) write(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path        string         `json:"path"`
		Frontmatter map[string]any `json:"frontmatter"`
		Body        string         `json:"body"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}

	path := params.Path
	if path == "" {
		var candidate string
		var f store.File
		var dbErr error
		for attempt := 0; attempt < 5; attempt++ {
			candidate = plansRoot + "/" + threeWordName() + ".plan"
			f, dbErr = t.store.GetFileByPath(ctx, t.workspaceID, candidate)
			if dbErr != nil {
				break
			}
		}
		if dbErr == nil {
			return errResult(errs.Conflictf("could not generate a unique plan filename after 5 attempts, last collided with %s", f.Path))
		}
		path = candidate
	} else {
		var err error
		path, err = withinPlans(path)
		if err != nil {
			return errResult(err)
		}
		if _, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path); dbErr == nil {
			return errResult(errs.Conflictf("a plan already exists at %s", path))
		}
	}

	content, err := joinFrontmatter(params.Frontmatter, params.Body)
	if err != nil {
		return errResult(err)
	}

	f, err := t.createPlanFile(ctx, path)
	if err != nil {
		return errResult(err)
	}
	return t.persist(ctx, path, f, []byte(content))
}

func (t *Tool) createPlanFile(ctx context.Context, path string) (store.File, error) {
	idx := strings.LastIndex(path, "/")
	name := path[idx+1:]
	var parentID *string
	if parent, err := t.store.GetFileByPath(ctx, t.workspaceID, plansRoot); err == nil {
		parentID = &parent.ID
	} else {
		// /plans/ not yet created as a folder: create it.
		now := idgen.NowUnix()
		folder := store.File{
			ID: idgen.New(), WorkspaceID: t.workspaceID, Name: "plans", Slug: "plans",
			Path: plansRoot, FileType: store.FileTypeFolder, Status: store.FileStatusReady,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := t.store.CreateFile(ctx, folder); err != nil {
			return store.File{}, errs.Internalf(err, "create /plans/ folder")
		}
		if err := t.blobs.CreateFolder(ctx, t.workspaceID, plansRoot); err != nil {
			return store.File{}, err
		}
		parentID = &folder.ID
	}

	now := idgen.NowUnix()
	f := store.File{
		ID: idgen.New(), WorkspaceID: t.workspaceID, ParentID: parentID,
		Name: name, Slug: strings.TrimSuffix(name, ".plan"), Path: path,
		FileType: store.FileTypePlan, Status: store.FileStatusReady,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := t.store.CreateFile(ctx, f); err != nil {
		return store.File{}, errs.Internalf(err, "create plan file %s", path)
	}
	return f, nil
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
		return errResult(errs.Internalf(err, "create plan version for %s", path))
	}
	f.LatestVersionID = &versionID
	f.UpdatedAt = now
	if err := t.store.UpdateFile(ctx, f); err != nil {
		return errResult(errs.Internalf(err, "update plan file %s", path))
	}
	out, _ := json.Marshal(map[string]string{"path": path, "version_id": versionID})
	return oasis.ToolResult{Content: string(out)}, nil
}

func (t *Tool) edit(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		Path          string          `json:"path"`
		OldString     string          `json:"old_string"`
		NewString     string          `json:"new_string"`
		InsertLine    json.RawMessage `json:"insert_line"`
		InsertContent string          `json:"insert_content"`
		Frontmatter   map[string]any  `json:"frontmatter"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	path, err := withinPlans(params.Path)
	if err != nil || path == "" {
		if err == nil {
			err = errs.Validationf("path is required")
		}
		return errResult(err)
	}

	f, dbErr := t.store.GetFileByPath(ctx, t.workspaceID, path)
	if dbErr != nil {
		return errResult(errs.NotFoundf("plan not found: %s", path))
	}
	if f.IsVirtual {
		return errResult(errs.Validationf("plan is virtual and cannot be edited directly: %s", path))
	}

	data, err := t.blobs.ReadLatest(ctx, t.workspaceID, path)
	if err != nil {
		return errResult(err)
	}
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return errResult(err)
	}
	for k, v := range params.Frontmatter {
		fm[k] = v
	}

	hasReplace := params.OldString != ""
	hasInsert := len(params.InsertLine) > 0 && string(params.InsertLine) != "null"
	if hasReplace && hasInsert {
		return errResult(errs.Validationf("edit requires at most one of (old_string,new_string) or (insert_line,insert_content)"))
	}
	if hasReplace {
		count := strings.Count(body, params.OldString)
		if count == 0 {
			return errResult(errs.Validationf("old_string not found in %s", path))
		}
		if count > 1 {
			return errResult(errs.Validationf("old_string occurs %d times in %s, must be unique", count, path))
		}
		body = strings.Replace(body, params.OldString, params.NewString, 1)
	} else if hasInsert {
		var line int
		if err := json.Unmarshal(params.InsertLine, &line); err != nil {
			var s string
			if err2 := json.Unmarshal(params.InsertLine, &s); err2 != nil {
				return errResult(errs.Validationf("insert_line must be a number or numeric string"))
			}
			fmt.Sscanf(s, "%d", &line)
		}
		lines := strings.Split(body, "\n")
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
		body = strings.Join(out, "\n")
	}

	content, err := joinFrontmatter(fm, body)
	if err != nil {
		return errResult(err)
	}
	return t.persist(ctx, path, f, []byte(content))
}
