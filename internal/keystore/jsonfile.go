package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/voxgate/voxgate/internal/models"
)

// FileStore persists the record set as a JSON file, replaced atomically
// on each save via a temp file and rename.
type FileStore struct {
	Path string
}

type fileRecord struct {
	Digest      string `json:"digest"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	Active      bool   `json:"active"`
	UsageCount  int64  `json:"usage_count"`
}

// Load reads the record set. A missing file is an empty store, not an
// error.
func (f *FileStore) Load(ctx context.Context) ([]models.Credential, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}

	var stored []fileRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}

	records := make([]models.Credential, 0, len(stored))
	for _, r := range stored {
		records = append(records, models.Credential{
			Digest:      r.Digest,
			Name:        r.Name,
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
			Active:      r.Active,
			UsageCount:  r.UsageCount,
		})
	}
	return records, nil
}

// Save writes the full record set, atomically replacing the previous
// file.
func (f *FileStore) Save(ctx context.Context, records []models.Credential) error {
	stored := make([]fileRecord, 0, len(records))
	for _, r := range records {
		stored = append(stored, fileRecord{
			Digest:      r.Digest,
			Name:        r.Name,
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
			Active:      r.Active,
			UsageCount:  r.UsageCount,
		})
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", f.Path, err)
	}
	return nil
}
