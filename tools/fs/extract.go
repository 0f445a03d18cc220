package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"golang.org/x/text/unicode/norm"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/internal/errs"
	"github.com/oasisflow/core/store"
)

// maxFetchBytes bounds how much of a remote response fetch_url reads
// into memory before handing it to the readability extractor.
const maxFetchBytes = 1 << 20

var fetchClient = &http.Client{Timeout: 15 * time.Second}

type fetchResult struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	Path    string `json:"path,omitempty"`
}

// fetchURL implements fetch_url: download a remote page, extract its
// readable text, and optionally persist it into the workspace as a
// Document at the given path (the same content-addressed write path
// as the write tool, so a fetched page becomes an ordinary versioned
// file the rest of the tool set can read, edit, or grep).
func (t *Tool) fetchURL(ctx context.Context, args json.RawMessage) (oasis.ToolResult, error) {
	var params struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult(errs.Validationf("invalid args: %v", err))
	}
	if params.URL == "" {
		return errResult(errs.Validationf("url is required"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return errResult(errs.Validationf("invalid url: %v", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; OasisCoreBot/1.0)")

	resp, err := fetchClient.Do(req)
	if err != nil {
		return errResult(errs.Validationf("fetch failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errResult(errs.Validationf("fetch returned HTTP %d for %s", resp.StatusCode, params.URL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return errResult(errs.Internalf(err, "read response body for %s", params.URL))
	}

	text, err := extractRemoteText(params.URL, body)
	if err != nil {
		return errResult(err)
	}

	result := fetchResult{URL: params.URL, Content: text}
	if params.Path == "" {
		return oasis.ToolResult{Content: mustJSON(result)}, nil
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
		return errResult(errs.Validationf("cannot write fetched content to a folder: %s", path))
	}
	res, err := t.persistContent(ctx, path, f, []byte(text))
	if err != nil || res.Error != "" {
		return res, err
	}
	result.Path = path
	return oasis.ToolResult{Content: mustJSON(result)}, nil
}

// extractRemoteText runs go-readability over an HTML document, falling
// back to a bare tag strip when readability finds no article body —
// mirroring the teacher's http_fetch tool, generalized to return a
// workspace Document's text instead of a one-off chat reply.
func extractRemoteText(rawURL string, body []byte) (string, error) {
	parsed, _ := url.Parse(rawURL)
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return normalizeUTF8(strings.TrimSpace(article.TextContent)), nil
	}
	return normalizeUTF8(stripHTML(string(body))), nil
}

// stripHTML is the last-resort fallback when readability cannot find
// an article body (e.g. a non-article page): crude tag removal, never
// meant to produce clean prose.
func stripHTML(html string) string {
	var out strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(out.String()), " ")
}

// extractPDFText renders a PDF's pages to plain text page by page,
// grounded on the teacher's ingest.PDFExtractor but dropping its
// per-page metadata — read's callers want a flat Document body, not a
// chunking pipeline's page offsets.
func extractPDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errs.Validationf("open pdf: %v", err)
	}
	var buf strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(strings.TrimSpace(text))
	}
	return normalizeUTF8(buf.String()), nil
}

// normalizeUTF8 applies Unicode NFC normalization so that content
// fetched from disparate sources (remote pages, PDFs) compares and
// greps consistently regardless of the composed-vs-decomposed form
// the source used for accented characters.
func normalizeUTF8(s string) string {
	return norm.NFC.String(s)
}

// isPDFPath reports whether path names a PDF, the only binary format
// read() transparently extracts to text rather than returning raw
// bytes.
func isPDFPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".pdf")
}

// contentForRead is the single place read()'s two data paths (synced
// and disk-only) turn raw bytes into the text a model sees: PDFs are
// extracted to plain text, everything else is returned as-is after
// Unicode normalization.
func contentForRead(path string, data []byte) (string, error) {
	if isPDFPath(path) {
		return extractPDFText(data)
	}
	return normalizeUTF8(string(data)), nil
}
