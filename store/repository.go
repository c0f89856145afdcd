// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists detections and the reverse geocoding cache in DuckDB.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // register duckdb driver
	"github.com/google/uuid"
	"github.com/jcodagnone/whereami/geocode"
)

// Detection is a label published for an image.
type Detection struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ImageID   string    `json:"image_id"`
	ImageName string    `json:"image_name"`
	SourceRef string    `json:"source_ref"`
	LabelText string    `json:"label_text"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository stores detections and cached addresses.
type Repository struct {
	db *sql.DB
}

// Open opens a DuckDB database at path. An empty path is an in-memory
// database.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb %q: %w", path, err)
	}

	return db, nil
}

// NewRepository creates a repository over db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSchema creates the tables if they do not exist.
func (r *Repository) CreateSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS detections (
			id VARCHAR PRIMARY KEY,
			session_id VARCHAR NOT NULL,
			image_id VARCHAR NOT NULL,
			image_name VARCHAR NOT NULL,
			source_ref VARCHAR,
			label_text VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS geocode_cache (
			cell BIGINT PRIMARY KEY,
			found BOOLEAN NOT NULL,
			components VARCHAR,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)

	return err
}

// SaveDetection inserts a detection. Missing ID and CreatedAt are filled in.
func (r *Repository) SaveDetection(ctx context.Context, d *Detection) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO detections (id, session_id, image_id, image_name, source_ref, label_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.SessionID, d.ImageID, d.ImageName, d.SourceRef, d.LabelText, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving detection of %s: %w", d.ImageName, err)
	}

	return nil
}

// ListDetections returns the latest detections, newest first. An empty name
// lists every image.
func (r *Repository) ListDetections(ctx context.Context, name string, limit int) ([]*Detection, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, image_id, image_name, source_ref, label_text, created_at
		FROM detections
	`

	var args []any

	if name != "" {
		query += " WHERE image_name = ?"

		args = append(args, name)
	}

	query += " ORDER BY created_at DESC, id LIMIT ?"

	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var detections []*Detection

	for rows.Next() {
		var (
			d         Detection
			sourceRef sql.NullString
		)

		if err := rows.Scan(&d.ID, &d.SessionID, &d.ImageID, &d.ImageName, &sourceRef, &d.LabelText, &d.CreatedAt); err != nil {
			return nil, err
		}

		d.SourceRef = sourceRef.String
		detections = append(detections, &d)
	}

	return detections, rows.Err()
}

// CountDetections returns the number of stored detections.
func (r *Repository) CountDetections(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections").Scan(&count)

	return count, err
}

// GetCachedAddress implements geocode.CacheStore.
func (r *Repository) GetCachedAddress(ctx context.Context, cell int64) (*geocode.AddressComponents, bool, error) {
	var (
		found      bool
		components sql.NullString
	)

	err := r.db.QueryRowContext(ctx,
		"SELECT found, components FROM geocode_cache WHERE cell = ?", cell,
	).Scan(&found, &components)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	if !found {
		return nil, true, nil
	}

	var a geocode.AddressComponents
	if err := json.Unmarshal([]byte(components.String), &a); err != nil {
		return nil, false, fmt.Errorf("decoding cached address of cell %x: %w", cell, err)
	}

	return &a, true, nil
}

// PutCachedAddress implements geocode.CacheStore. Nil components record a
// place that was not found.
func (r *Repository) PutCachedAddress(ctx context.Context, cell int64, components *geocode.AddressComponents) error {
	var encoded sql.NullString

	if components != nil {
		b, err := json.Marshal(components)
		if err != nil {
			return err
		}

		encoded = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO geocode_cache (cell, found, components, updated_at)
		VALUES (?, ?, ?, ?)
	`, cell, components != nil, encoded, time.Now())

	return err
}

// CountCachedAddresses returns the number of cached cells.
func (r *Repository) CountCachedAddresses(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM geocode_cache").Scan(&count)

	return count, err
}
