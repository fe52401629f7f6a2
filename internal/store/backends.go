package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackendConfig is one upstream endpoint + credential. At most one row
// is active and at most one is default at any time.
type BackendConfig struct {
	ID        string
	Name      string
	BaseURL   string
	APIKey    string
	IsActive  bool
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateBackend inserts a backend configuration. Marking it default
// clears the default flag on all other rows in the same transaction.
func (s *Store) CreateBackend(ctx context.Context, name, baseURL, apiKey string, isDefault bool) (BackendConfig, error) {
	now := time.Now().UTC()
	backend := BackendConfig{
		ID:        uuid.NewString(),
		Name:      name,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		IsDefault: isDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BackendConfig{}, fmt.Errorf("create backend: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if isDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE backend_configs SET is_default = 0`); err != nil {
			return BackendConfig{}, fmt.Errorf("clear default backend: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO backend_configs (id, name, base_url, api_key, is_active, is_default, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		backend.ID, backend.Name, backend.BaseURL, backend.APIKey, backend.IsDefault, now, now)
	if err != nil {
		return BackendConfig{}, fmt.Errorf("create backend: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BackendConfig{}, fmt.Errorf("create backend: %w", err)
	}
	return backend, nil
}

const backendColumns = `id, name, base_url, api_key, is_active, is_default, created_at, updated_at`

func scanBackend(row interface{ Scan(...any) error }) (BackendConfig, error) {
	var backend BackendConfig
	err := row.Scan(
		&backend.ID, &backend.Name, &backend.BaseURL, &backend.APIKey,
		&backend.IsActive, &backend.IsDefault, &backend.CreatedAt, &backend.UpdatedAt,
	)
	return backend, err
}

// GetBackend looks up a backend by ID.
func (s *Store) GetBackend(ctx context.Context, id string) (BackendConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+backendColumns+` FROM backend_configs WHERE id = ?`, id)
	backend, err := scanBackend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BackendConfig{}, ErrNotFound
	}
	if err != nil {
		return BackendConfig{}, fmt.Errorf("get backend: %w", err)
	}
	return backend, nil
}

// ListBackends returns all backends, newest first.
func (s *Store) ListBackends(ctx context.Context) ([]BackendConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+backendColumns+` FROM backend_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var backends []BackendConfig
	for rows.Next() {
		backend, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("list backends: %w", err)
		}
		backends = append(backends, backend)
	}
	return backends, rows.Err()
}

// ActiveBackend returns the active backend, falling back to the default
// row, or ErrNoBackend when neither exists.
func (s *Store) ActiveBackend(ctx context.Context) (BackendConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+backendColumns+` FROM backend_configs WHERE is_active = 1 LIMIT 1`)
	backend, err := scanBackend(row)
	if err == nil {
		return backend, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return BackendConfig{}, fmt.Errorf("active backend: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+backendColumns+` FROM backend_configs WHERE is_default = 1 LIMIT 1`)
	backend, err = scanBackend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BackendConfig{}, ErrNoBackend
	}
	if err != nil {
		return BackendConfig{}, fmt.Errorf("default backend: %w", err)
	}
	return backend, nil
}

// ActivateBackend makes id the single active backend: every other row is
// cleared and id is set within one transaction.
func (s *Store) ActivateBackend(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("activate backend: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE backend_configs SET is_active = 0`); err != nil {
		return fmt.Errorf("clear active backend: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE backend_configs SET is_active = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("activate backend: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return tx.Commit()
}

// BackendUpdate carries the mutable backend fields; nil leaves a field
// unchanged.
type BackendUpdate struct {
	Name      *string
	BaseURL   *string
	APIKey    *string
	IsDefault *bool
}

// UpdateBackend applies the non-nil fields; promoting a row to default
// demotes all others in the same transaction.
func (s *Store) UpdateBackend(ctx context.Context, id string, update BackendUpdate) (BackendConfig, error) {
	backend, err := s.GetBackend(ctx, id)
	if err != nil {
		return BackendConfig{}, err
	}
	if update.Name != nil {
		backend.Name = *update.Name
	}
	if update.BaseURL != nil {
		backend.BaseURL = strings.TrimRight(*update.BaseURL, "/")
	}
	if update.APIKey != nil {
		backend.APIKey = *update.APIKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BackendConfig{}, fmt.Errorf("update backend: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if update.IsDefault != nil {
		if *update.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE backend_configs SET is_default = 0`); err != nil {
				return BackendConfig{}, fmt.Errorf("clear default backend: %w", err)
			}
		}
		backend.IsDefault = *update.IsDefault
	}

	backend.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
UPDATE backend_configs SET name = ?, base_url = ?, api_key = ?, is_default = ?, updated_at = ?
WHERE id = ?`,
		backend.Name, backend.BaseURL, backend.APIKey, backend.IsDefault, backend.UpdatedAt, id)
	if err != nil {
		return BackendConfig{}, fmt.Errorf("update backend: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BackendConfig{}, fmt.Errorf("update backend: %w", err)
	}
	return backend, nil
}

// DeleteBackend removes a backend. The default row is protected.
func (s *Store) DeleteBackend(ctx context.Context, id string) error {
	backend, err := s.GetBackend(ctx, id)
	if err != nil {
		return err
	}
	if backend.IsDefault {
		return ErrDefaultBackend
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM backend_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backend: %w", err)
	}
	return requireRow(result)
}

// SeedDefaultBackend inserts a default backend from configuration when
// the table is empty. It is a no-op otherwise.
func (s *Store) SeedDefaultBackend(ctx context.Context, name, baseURL, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backend_configs`).Scan(&count); err != nil {
		return fmt.Errorf("seed backend: %w", err)
	}
	if count > 0 {
		return nil
	}
	backend, err := s.CreateBackend(ctx, name, baseURL, apiKey, true)
	if err != nil {
		return err
	}
	s.logger.Info("seeded default backend", "name", backend.Name, "base_url", backend.BaseURL)
	return nil
}
