package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/errors"
)

const entitiesSchema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT NOT NULL,
	id          TEXT NOT NULL,
	doc         TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (entity_type, id)
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
`

// SQLiteAdapter is the reference Adapter backed by a SQLite entities table.
// Each row stores one entity as a JSON document.
type SQLiteAdapter struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteAdapter creates the adapter and ensures the schema exists.
func NewSQLiteAdapter(db *sql.DB, logger *zap.SugaredLogger) (*SQLiteAdapter, error) {
	if _, err := db.Exec(entitiesSchema); err != nil {
		return nil, errors.Wrap(err, "failed to initialize entities schema")
	}
	return &SQLiteAdapter{db: db, logger: logger}, nil
}

// FetchByIDs returns entities of entityType matching ids.
func (a *SQLiteAdapter) FetchByIDs(ctx context.Context, entityType string, ids []string) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := "SELECT doc FROM entities WHERE entity_type = ? AND id IN (" + placeholders + ")"

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, entityType)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s by ids", entityType)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// FetchByFilter returns entities of entityType whose JSON fields equal every
// value in filter. Uses SQLite's json_extract for server-side matching.
func (a *SQLiteAdapter) FetchByFilter(ctx context.Context, entityType string, filter map[string]interface{}) ([]Entity, error) {
	var sb strings.Builder
	sb.WriteString("SELECT doc FROM entities WHERE entity_type = ?")
	args := []interface{}{entityType}

	for field, value := range filter {
		sb.WriteString(" AND json_extract(doc, '$.")
		sb.WriteString(sanitizeJSONPath(field))
		sb.WriteString("') = ?")
		args = append(args, value)
	}

	rows, err := a.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s by filter", entityType)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// Put stores or replaces an entity. Used by the write path before publishing
// domain events, and by tests to seed data.
func (a *SQLiteAdapter) Put(ctx context.Context, entityType string, e Entity) error {
	id := e.ID()
	if id == "" {
		return errors.NewValidationError("entity of type %s missing id", entityType)
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal entity")
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO entities (entity_type, id, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, entityType, id, string(doc), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to store %s/%s", entityType, id)
	}
	return nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "failed to scan entity row")
		}
		var e Entity
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, errors.Wrap(err, "failed to decode entity document")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// sanitizeJSONPath strips characters that would escape the json_extract path
// literal. Field names are caller-controlled but come from the resolver
// layer, not end users; this is a backstop.
func sanitizeJSONPath(field string) string {
	return strings.Map(func(r rune) rune {
		if r == '\'' || r == '"' || r == '\\' {
			return -1
		}
		return r
	}, field)
}
