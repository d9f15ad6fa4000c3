package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voxgate/voxgate/internal/models"
)

// Store adapts the sqlite database to the keystore persistence
// contract: the full record set is read and replaced as one unit.
type Store struct {
	DB *sql.DB
}

// Load reads every credential record.
func (s *Store) Load(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT digest, name, description, created_at, active, usage_count FROM credentials ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Credential
	for rows.Next() {
		var rec models.Credential
		var active int
		if err := rows.Scan(&rec.Digest, &rec.Name, &rec.Description, &rec.CreatedAt, &active, &rec.UsageCount); err != nil {
			return nil, err
		}
		rec.Active = active != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Save replaces the full record set in a single transaction, so a
// failed save leaves the previous set intact.
func (s *Store) Save(ctx context.Context, records []models.Credential) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials"); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO credentials (digest, name, description, created_at, active, usage_count) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		active := 0
		if rec.Active {
			active = 1
		}
		if _, err := stmt.ExecContext(ctx, rec.Digest, rec.Name, rec.Description, rec.CreatedAt, active, rec.UsageCount); err != nil {
			return fmt.Errorf("insert credential %s: %w", rec.Name, err)
		}
	}

	return tx.Commit()
}
