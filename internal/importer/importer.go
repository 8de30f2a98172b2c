// Package importer seeds the note graph from a directory of Markdown files.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/checksum"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/parser"
	"github.com/starford/notegraph/internal/toolexec"
)

// SourceChecksumKey is the config key holding the digest of the source file
// a note was imported from.
const SourceChecksumKey = "sourceChecksum"

// Notes is the subset of the engine the importer writes through.
type Notes interface {
	GetNote(ctx context.Context, id string) (*models.Note, error)
	AddNote(ctx context.Context, n *models.Note) (*models.Note, error)
	UpdateNote(ctx context.Context, n *models.Note) (*models.Note, error)
}

// ToolBinder binds runtime definitions to imported Tool notes.
type ToolBinder interface {
	RegisterToolDefinition(toolID string, d toolexec.Descriptor) error
}

// Result counts what an import did.
type Result struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Import walks dir and brings the graph up to date with its .md files:
//   - new files are added
//   - files whose content changed replace the stored note
//   - unchanged files are left alone
//
// Tool notes with a url are bound to an HTTP definition on every run, since
// bindings do not survive a restart. tools may be nil. Per-file failures are
// logged and counted; only an unreadable dir is an error.
func Import(ctx context.Context, dir string, notes Notes, tools ToolBinder, logger *slog.Logger) (Result, error) {
	var res Result
	if logger == nil {
		logger = slog.Default()
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		outcome, err := importFile(ctx, path, filepath.ToSlash(rel), notes, tools)
		if err != nil {
			res.Failed++
			logger.Warn("import: file failed", slog.String("path", rel), slog.String("error", err.Error()))
			return nil
		}
		switch outcome {
		case added:
			res.Added++
		case updated:
			res.Updated++
		default:
			res.Unchanged++
		}
		logger.Debug("import: file processed", slog.String("path", rel), slog.String("outcome", string(outcome)))
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("import: walk %s: %w", dir, err)
	}

	logger.Info("import finished",
		slog.String("dir", dir),
		slog.Int("added", res.Added),
		slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("failed", res.Failed))
	return res, nil
}

type outcome string

const (
	added     outcome = "added"
	updated   outcome = "updated"
	unchanged outcome = "unchanged"
)

func importFile(ctx context.Context, path, rel string, notes Notes, tools ToolBinder) (outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	parsed, err := parser.Parse(data)
	if err != nil {
		return "", err
	}
	note, err := ToNote(rel, parsed)
	if err != nil {
		return "", err
	}
	sum := checksum.Sum(data)
	note.Config[SourceChecksumKey] = sum

	var out outcome
	cur, err := notes.GetNote(ctx, note.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if _, err := notes.AddNote(ctx, note); err != nil {
			return "", err
		}
		out = added
	case err != nil:
		return "", err
	case cur.Config[SourceChecksumKey] == sum:
		out = unchanged
	default:
		if _, err := notes.UpdateNote(ctx, note); err != nil {
			return "", err
		}
		out = updated
	}

	if tools != nil && note.IsTool() && note.Logic != "" {
		if err := tools.RegisterToolDefinition(note.ID, toolexec.HTTP{}); err != nil {
			return "", err
		}
	}
	return out, nil
}

// ToNote maps a parsed file to a note. The id defaults to the file's path
// relative to the import root without the .md extension, which is also how
// [[folder/note]] wikilinks address it. Wikilinks are appended to the
// frontmatter references.
func ToNote(rel string, r *parser.Result) (*models.Note, error) {
	meta := r.Meta
	if meta == nil {
		meta = &parser.Frontmatter{}
	}

	id := meta.ID
	if id == "" {
		id = strings.TrimSuffix(rel, filepath.Ext(rel))
	}
	typ, err := noteType(meta.Type)
	if err != nil {
		return nil, apperr.NewValidation(fmt.Sprintf("%s: %v", rel, err))
	}

	n := &models.Note{
		ID:                id,
		Type:              typ,
		Title:             r.Title,
		Content:           r.Body,
		Description:       meta.Description,
		Status:            models.Status(meta.Status),
		Priority:          meta.Priority,
		CreatedAt:         meta.Created,
		References:        mergeRefs(meta.References, r.Links),
		RequiresWebSearch: meta.RequiresWebSearch,
		InputSchema:       meta.InputSchema,
		OutputSchema:      meta.OutputSchema,
		Logic:             meta.URL,
		ToolID:            meta.Tool,
		Config:            map[string]any{},
	}
	if n.Status == "" {
		switch n.Type {
		case models.TypeTask:
			n.Status = models.StatusPending
		case models.TypeTool:
			n.Status = models.StatusActive
		}
	}
	if meta.Method != "" {
		n.Config["method"] = strings.ToUpper(meta.Method)
	}
	if len(meta.Headers) > 0 {
		headers := make(map[string]any, len(meta.Headers))
		for k, v := range meta.Headers {
			headers[k] = v
		}
		n.Config["headers"] = headers
	}
	if meta.Input != nil {
		n.Config["input"] = meta.Input
	}
	return n, nil
}

func noteType(s string) (models.NoteType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "template":
		return models.TypeTemplate, nil
	case "task":
		return models.TypeTask, nil
	case "tool":
		return models.TypeTool, nil
	default:
		return "", fmt.Errorf("unknown note type %q", s)
	}
}

func mergeRefs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
