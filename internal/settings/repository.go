// Package settings: repository.go stores the snapshot as JSONB in platform_settings.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"evbackend.in/core/internal/db/postgres"
)

// Repository reads and writes the single settings row.
type Repository struct {
	db *postgres.TxManager
}

// NewRepository creates the settings repository.
func NewRepository(db *postgres.TxManager) *Repository {
	return &Repository{db: db}
}

// Load returns the stored snapshot, or ok=false when the row does not exist yet.
func (r *Repository) Load(ctx context.Context) (Settings, bool, error) {
	var raw []byte
	err := r.db.Conn(ctx).QueryRow(ctx, `SELECT data FROM platform_settings WHERE id = 1`).Scan(&raw)
	if postgres.IsNoRows(err) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("failed to load settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, false, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, true, nil
}

// Seed inserts the row only when it is missing; existing values win.
func (r *Repository) Seed(ctx context.Context, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO platform_settings (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING
	`, raw)
	if err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}
	return nil
}

// Save overwrites the row.
func (r *Repository) Save(ctx context.Context, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO platform_settings (id, data, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, raw)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
