package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/notegraph/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id                  TEXT PRIMARY KEY,
	type                TEXT NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	content             TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT '',
	priority            REAL NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	updated_at          TEXT,
	requires_web_search INTEGER NOT NULL DEFAULT 0,
	input_schema        TEXT NOT NULL DEFAULT '',
	output_schema       TEXT NOT NULL DEFAULT '',
	config              TEXT NOT NULL DEFAULT '',
	logic               TEXT NOT NULL DEFAULT '',
	tool_id             TEXT NOT NULL DEFAULT '',
	output              TEXT NOT NULL DEFAULT '',
	last_error          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS note_references (
	source   TEXT NOT NULL,
	target   TEXT NOT NULL,
	position INTEGER NOT NULL,
	UNIQUE(source, position)
);

CREATE INDEX IF NOT EXISTS idx_refs_source ON note_references(source);
CREATE INDEX IF NOT EXISTS idx_refs_target ON note_references(target);
CREATE INDEX IF NOT EXISTS idx_notes_sched ON notes(type, status, priority DESC, created_at);
`

const noteColumns = `id, type, title, content, description, status, priority, created_at, updated_at,
	requires_web_search, input_schema, output_schema, config, logic, tool_id, output, last_error`

// SQLite is the persistent, graph-backed backend: notes live in one table and
// their ordered references in an edge table.
type SQLite struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) Get(ctx context.Context, id string) (*models.Note, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", id, err)
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT target FROM note_references WHERE source = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: references %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, err
		}
		n.References = append(n.References, target)
	}
	return n, rows.Err()
}

// Put upserts the note and replaces its references within one transaction.
func (s *SQLite) Put(ctx context.Context, n *models.Note) error {
	configJSON, err := encodeJSON(n.Config)
	if err != nil {
		return fmt.Errorf("storage: encode config: %w", err)
	}
	outputJSON, err := encodeJSON(n.Output)
	if err != nil {
		return fmt.Errorf("storage: encode output: %w", err)
	}
	var updatedAt sql.NullString
	if n.UpdatedAt != nil {
		updatedAt = sql.NullString{String: formatTime(*n.UpdatedAt), Valid: true}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type                = excluded.type,
			title               = excluded.title,
			content             = excluded.content,
			description         = excluded.description,
			status              = excluded.status,
			priority            = excluded.priority,
			created_at          = excluded.created_at,
			updated_at          = excluded.updated_at,
			requires_web_search = excluded.requires_web_search,
			input_schema        = excluded.input_schema,
			output_schema       = excluded.output_schema,
			config              = excluded.config,
			logic               = excluded.logic,
			tool_id             = excluded.tool_id,
			output              = excluded.output,
			last_error          = excluded.last_error
	`, n.ID, string(n.Type), n.Title, n.Content, n.Description, string(n.Status), n.Priority,
		formatTime(n.CreatedAt), updatedAt, n.RequiresWebSearch, n.InputSchema, n.OutputSchema,
		configJSON, n.Logic, n.ToolID, outputJSON, n.LastError)
	if err != nil {
		return fmt.Errorf("storage: upsert note: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_references WHERE source = ?`, n.ID); err != nil {
		return fmt.Errorf("storage: clear references: %w", err)
	}
	if len(n.References) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO note_references (source, target, position) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("storage: prepare reference insert: %w", err)
		}
		defer stmt.Close()
		for i, target := range n.References {
			if _, err := stmt.ExecContext(ctx, n.ID, target, i); err != nil {
				return fmt.Errorf("storage: insert reference: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Delete removes a note and its outgoing references. Incoming references held
// by other notes are left untouched.
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_references WHERE source = ?`, id); err != nil {
		return false, fmt.Errorf("storage: delete references: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete note: %w", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: commit delete: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLite) List(ctx context.Context) ([]*models.Note, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+noteColumns+` FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Note
	byID := make(map[string]*models.Note)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan note: %w", err)
		}
		out = append(out, n)
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs, err := s.conn.QueryContext(ctx,
		`SELECT source, target FROM note_references ORDER BY source, position`)
	if err != nil {
		return nil, fmt.Errorf("storage: list references: %w", err)
	}
	defer refs.Close()
	for refs.Next() {
		var source, target string
		if err := refs.Scan(&source, &target); err != nil {
			return nil, err
		}
		if n, ok := byID[source]; ok {
			n.References = append(n.References, target)
		}
	}
	return out, refs.Err()
}

// Backlinks returns the ids of notes that reference target.
func (s *SQLite) Backlinks(ctx context.Context, target string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT source FROM note_references WHERE target = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("storage: backlinks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(sc scanner) (*models.Note, error) {
	var (
		n                   models.Note
		typ, status         string
		createdAt           string
		updatedAt           sql.NullString
		configJSON, outJSON string
	)
	err := sc.Scan(&n.ID, &typ, &n.Title, &n.Content, &n.Description, &status, &n.Priority,
		&createdAt, &updatedAt, &n.RequiresWebSearch, &n.InputSchema, &n.OutputSchema,
		&configJSON, &n.Logic, &n.ToolID, &outJSON, &n.LastError)
	if err != nil {
		return nil, err
	}
	n.Type = models.NoteType(typ)
	n.Status = models.Status(status)
	n.References = []string{}

	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if updatedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, updatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		n.UpdatedAt = &t
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &n.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if outJSON != "" {
		if err := json.Unmarshal([]byte(outJSON), &n.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	return &n, nil
}

// encodeJSON returns "" for nil so absent values survive a round trip as nil.
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var _ Backend = (*SQLite)(nil)
