// Package history archives upload outcomes in an embedded sqlite
// database, so the operator can audit what the controller accepted
// long after the circular diagnostic log has wrapped.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"Px1LED/model"
)

// Archive stores upload records.
type Archive struct {
	db      *sql.DB
	entropy *rand.Rand
}

// Open opens or creates the archive database at the given path.
func Open(dbPath string) (*Archive, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	a := &Archive{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS uploads (
		id         TEXT PRIMARY KEY,
		file       TEXT NOT NULL,
		size       INTEGER NOT NULL,
		digest     TEXT NOT NULL DEFAULT '',
		chunked    INTEGER NOT NULL DEFAULT 0,
		success    INTEGER NOT NULL,
		code       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_uploads_created ON uploads(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_uploads_file ON uploads(file);
	`
	_, err := a.db.Exec(schema)
	return err
}

func (a *Archive) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), a.entropy).String()
}

// Record appends one upload outcome and returns it with its assigned ID.
func (a *Archive) Record(ctx context.Context, rec model.UploadRecord) (model.UploadRecord, error) {
	rec.ID = a.newID()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO uploads (id, file, size, digest, chunked, success, code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Size, rec.Digest,
		boolToInt(rec.Chunked), boolToInt(rec.Success), rec.Code,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.UploadRecord{}, fmt.Errorf("insert upload record: %w", err)
	}
	return rec, nil
}

// Recent returns the newest records, up to limit.
func (a *Archive) Recent(ctx context.Context, limit int) ([]model.UploadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, file, size, digest, chunked, success, code, created_at
		FROM uploads ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var out []model.UploadRecord
	for rows.Next() {
		var rec model.UploadRecord
		var chunked, success int
		var created string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Size, &rec.Digest, &chunked, &success, &rec.Code, &created); err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		rec.Chunked = chunked != 0
		rec.Success = success != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
