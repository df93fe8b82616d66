package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plasmahub/plasmarag/internal/models"
)

// StoredPaper is a paper row hydrated with its decoded payload.
type StoredPaper struct {
	ID        int64        `json:"id"`
	Paper     models.Paper `json:"paper"`
	VectorID  int64        `json:"vector_id"`
	CreatedAt time.Time    `json:"created_at"`
}

// StoredForceField is a force-field row hydrated with its decoded payload and
// the natural key of the paper that first contributed it.
type StoredForceField struct {
	ID          int64             `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Force       models.ForceField `json:"force"`
	SourcePaper string            `json:"source_paper"`
	VectorID    int64             `json:"vector_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

// StoredFigure is a figure row.
type StoredFigure struct {
	ID        int64  `json:"id"`
	PaperID   int64  `json:"paper_id"`
	ImagePath string `json:"image_path"`
	Caption   string `json:"caption"`
	Page      int    `json:"page"`
}

// PaperExists reports whether a paper with the given title is stored. Read
// queries run outside any transaction and never block on an in-progress
// writer.
func (s *SQLiteStore) PaperExists(ctx context.Context, title string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM papers WHERE title = ?`, title).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetPaperByVectorID resolves a vector identifier back to its full paper row,
// or ErrNotFound when no row claims the identifier (the expected case for an
// orphaned vector entry).
func (s *SQLiteStore) GetPaperByVectorID(ctx context.Context, vectorID int64) (*StoredPaper, error) {
	var (
		p       StoredPaper
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, metadata_json, vector_id, created_at FROM papers WHERE vector_id = ?`,
		vectorID,
	).Scan(&p.ID, &payload, &p.VectorID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &p.Paper); err != nil {
		return nil, fmt.Errorf("failed to unmarshal paper %d: %w", p.ID, err)
	}
	return &p, nil
}

// GetForceFieldByVectorID resolves a vector identifier back to its full
// force-field row, or ErrNotFound.
func (s *SQLiteStore) GetForceFieldByVectorID(ctx context.Context, vectorID int64) (*StoredForceField, error) {
	var (
		f       StoredForceField
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, formula_hash, force_json, source_paper, vector_id, created_at
		 FROM force_fields WHERE vector_id = ?`,
		vectorID,
	).Scan(&f.ID, &f.Fingerprint, &payload, &f.SourcePaper, &f.VectorID, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &f.Force); err != nil {
		return nil, fmt.Errorf("failed to unmarshal force field %d: %w", f.ID, err)
	}
	return &f, nil
}

// GetFiguresByPaperID returns all figures for a paper ordered by page.
func (s *SQLiteStore) GetFiguresByPaperID(ctx context.Context, paperID int64) ([]*StoredFigure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, paper_id, image_path, caption, page_num FROM figures
		 WHERE paper_id = ? ORDER BY page_num`,
		paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var figs []*StoredFigure
	for rows.Next() {
		var f StoredFigure
		if err := rows.Scan(&f.ID, &f.PaperID, &f.ImagePath, &f.Caption, &f.Page); err != nil {
			return nil, err
		}
		figs = append(figs, &f)
	}
	return figs, rows.Err()
}

// ListPapers returns stored papers ordered newest first.
func (s *SQLiteStore) ListPapers(ctx context.Context, offset, limit int) ([]*StoredPaper, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata_json, vector_id, created_at FROM papers
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var papers []*StoredPaper
	for rows.Next() {
		var (
			p       StoredPaper
			payload string
		)
		if err := rows.Scan(&p.ID, &payload, &p.VectorID, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &p.Paper); err != nil {
			return nil, fmt.Errorf("failed to unmarshal paper %d: %w", p.ID, err)
		}
		papers = append(papers, &p)
	}
	return papers, rows.Err()
}

// CountPapers returns the number of stored papers.
func (s *SQLiteStore) CountPapers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers`).Scan(&n)
	return n, err
}

// CountForceFields returns the number of stored force fields.
func (s *SQLiteStore) CountForceFields(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM force_fields`).Scan(&n)
	return n, err
}

// CountFigures returns the number of stored figures.
func (s *SQLiteStore) CountFigures(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM figures`).Scan(&n)
	return n, err
}
