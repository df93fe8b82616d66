// Package storage provides the SQLite metadata store. It is the system of
// record for existence and uniqueness: the vector indexes are derived,
// rebuildable structures over the same identifier space, and when the two
// diverge the rows here win.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/plasmahub/plasmarag/internal/models"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// SentinelVectorID is the vector_id value of a row whose embedding has not
// been assigned yet. Rows are inserted with this value and updated to their
// own primary key once the vector is written.
const SentinelVectorID = -1

// SQLiteStore is the metadata store backed by a single SQLite database file.
// Readers never block on writers (WAL mode); writer serialization across the
// paired index files is the caller's job via the cross-process lock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath and initializes the
// schema. Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// AUTOINCREMENT keeps primary keys monotonic: ids consumed by rolled-back
// inserts are never reassigned, so an orphaned vector entry can never collide
// with a later row.
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS papers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL UNIQUE,
		metadata_json TEXT NOT NULL,
		vector_id INTEGER NOT NULL DEFAULT -1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_papers_vector_id ON papers(vector_id);

	CREATE TABLE IF NOT EXISTS force_fields (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		formula_hash TEXT NOT NULL UNIQUE,
		force_json TEXT NOT NULL,
		source_paper TEXT NOT NULL,
		vector_id INTEGER NOT NULL DEFAULT -1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_force_fields_vector_id ON force_fields(vector_id);

	CREATE TABLE IF NOT EXISTS figures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		paper_id INTEGER NOT NULL,
		image_path TEXT,
		caption TEXT,
		page_num INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (paper_id) REFERENCES papers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_figures_paper_id ON figures(paper_id);
	`
	_, err := db.Exec(schema)
	return err
}

// IsUniqueViolation reports whether err is a SQLite unique-constraint failure.
// The unique constraints on title and formula_hash are the storage-layer
// backstop behind the coordinator's dedup lookups.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// BeginTx starts a metadata transaction. All mutations for a single ingest
// happen inside one transaction; partial application is never observable
// outside it.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps a metadata transaction. Rollback after Commit is a no-op, so
// callers can `defer tx.Rollback()` unconditionally.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	t.done = true
	return t.tx.Commit()
}

// Rollback rolls the transaction back; safe to call after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// PaperIDByTitle returns the primary key of the paper with the given title,
// or ErrNotFound.
func (t *Tx) PaperIDByTitle(ctx context.Context, title string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT id FROM papers WHERE title = ?`, title).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertPaper inserts a paper row with the sentinel vector id and returns the
// assigned primary key.
func (t *Tx) InsertPaper(ctx context.Context, paper *models.Paper) (int64, error) {
	payload, err := json.Marshal(paper)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal paper: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO papers (title, metadata_json, vector_id, created_at) VALUES (?, ?, ?, ?)`,
		paper.Title(), string(payload), SentinelVectorID, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetPaperVectorID updates the paper row's vector identifier.
func (t *Tx) SetPaperVectorID(ctx context.Context, id, vectorID int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE papers SET vector_id = ? WHERE id = ?`, vectorID, id)
	return err
}

// ForceFieldIDByFingerprint returns the primary key of the force field with
// the given fingerprint, or ErrNotFound.
func (t *Tx) ForceFieldIDByFingerprint(ctx context.Context, fingerprint string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT id FROM force_fields WHERE formula_hash = ?`, fingerprint).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertForceField inserts a force-field row with the sentinel vector id and
// returns the assigned primary key. sourcePaper is the natural key of the
// paper that first contributed the force field.
func (t *Tx) InsertForceField(ctx context.Context, fingerprint string, force *models.ForceField, sourcePaper string) (int64, error) {
	payload, err := json.Marshal(force)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal force field: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO force_fields (formula_hash, force_json, source_paper, vector_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		fingerprint, string(payload), sourcePaper, SentinelVectorID, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetForceFieldVectorID updates the force-field row's vector identifier.
func (t *Tx) SetForceFieldVectorID(ctx context.Context, id, vectorID int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE force_fields SET vector_id = ? WHERE id = ?`, vectorID, id)
	return err
}

// InsertFigure inserts a figure row referencing its paper.
func (t *Tx) InsertFigure(ctx context.Context, paperID int64, fig *models.Figure) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO figures (paper_id, image_path, caption, page_num, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		paperID, fig.ImagePath, fig.Caption, fig.Page, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
