package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const keyPrefix = "ck-"
const keyLength = 32

// APIKey is an issued tenant credential. Zero limits mean unlimited.
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	KeyValue   string
	IsActive   bool
	RateLimit  int64
	QuotaLimit int64
	CostLimit  float64
	DailyQuota float64
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// HashAPIKey returns the hex SHA-256 of a plaintext key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a fresh plaintext key: the ck- prefix plus 32
// URL-safe alphanumeric characters. Characters outside [A-Za-z0-9] are
// discarded and more randomness is drawn until the length is reached.
func GenerateAPIKey() (string, error) {
	var builder strings.Builder
	for builder.Len() < keyLength {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		for _, ch := range base64.RawURLEncoding.EncodeToString(buf) {
			if ch == '-' || ch == '_' {
				continue
			}
			builder.WriteRune(ch)
			if builder.Len() == keyLength {
				break
			}
		}
	}
	return keyPrefix + builder.String(), nil
}

// CreateAPIKey issues a new key and returns the stored row; KeyValue
// carries the plaintext.
func (s *Store) CreateAPIKey(ctx context.Context, name string, rateLimit, quotaLimit int64, costLimit, dailyQuota float64) (APIKey, error) {
	plaintext, err := GenerateAPIKey()
	if err != nil {
		return APIKey{}, err
	}

	key := APIKey{
		ID:         uuid.NewString(),
		Name:       name,
		KeyHash:    HashAPIKey(plaintext),
		KeyValue:   plaintext,
		IsActive:   true,
		RateLimit:  rateLimit,
		QuotaLimit: quotaLimit,
		CostLimit:  costLimit,
		DailyQuota: dailyQuota,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys (id, name, key_hash, key_value, is_active, rate_limit, quota_limit, cost_limit, daily_quota, created_at)
VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.KeyValue,
		key.RateLimit, key.QuotaLimit, key.CostLimit, key.DailyQuota, key.CreatedAt,
	)
	if err != nil {
		return APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return key, nil
}

const apiKeyColumns = `id, name, key_hash, key_value, is_active, rate_limit, quota_limit, cost_limit, daily_quota, created_at, last_used_at`

func scanAPIKey(row interface{ Scan(...any) error }) (APIKey, error) {
	var key APIKey
	var lastUsed sql.NullTime
	err := row.Scan(
		&key.ID, &key.Name, &key.KeyHash, &key.KeyValue, &key.IsActive,
		&key.RateLimit, &key.QuotaLimit, &key.CostLimit, &key.DailyQuota,
		&key.CreatedAt, &lastUsed,
	)
	if err != nil {
		return APIKey{}, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}
	return key, nil
}

// GetAPIKeyByHash looks up an active key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ? AND is_active = 1`, keyHash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

// GetAPIKey looks up a key by ID regardless of active state.
func (s *Store) GetAPIKey(ctx context.Context, id string) (APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("list api keys: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// APIKeyUpdate carries the mutable per-key fields; nil leaves a field
// unchanged.
type APIKeyUpdate struct {
	Name       *string
	RateLimit  *int64
	QuotaLimit *int64
	CostLimit  *float64
	DailyQuota *float64
}

// UpdateAPIKey applies the non-nil fields of update.
func (s *Store) UpdateAPIKey(ctx context.Context, id string, update APIKeyUpdate) (APIKey, error) {
	key, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return APIKey{}, err
	}
	if update.Name != nil {
		key.Name = *update.Name
	}
	if update.RateLimit != nil {
		key.RateLimit = *update.RateLimit
	}
	if update.QuotaLimit != nil {
		key.QuotaLimit = *update.QuotaLimit
	}
	if update.CostLimit != nil {
		key.CostLimit = *update.CostLimit
	}
	if update.DailyQuota != nil {
		key.DailyQuota = *update.DailyQuota
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE api_keys SET name = ?, rate_limit = ?, quota_limit = ?, cost_limit = ?, daily_quota = ?
WHERE id = ?`,
		key.Name, key.RateLimit, key.QuotaLimit, key.CostLimit, key.DailyQuota, id)
	if err != nil {
		return APIKey{}, fmt.Errorf("update api key: %w", err)
	}
	return key, nil
}

// DeactivateAPIKey soft-disables a key.
func (s *Store) DeactivateAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	return requireRow(result)
}

// DeleteAPIKey removes a key together with its usage records and daily
// aggregates in a single transaction.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_records WHERE api_key_id = ?`, id); err != nil {
		return fmt.Errorf("delete usage records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_usage WHERE api_key_id = ?`, id); err != nil {
		return fmt.Errorf("delete daily usage: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return tx.Commit()
}

// RegenerateAPIKey replaces the key material, resets created_at and
// clears last_used_at. The returned row carries the new plaintext.
func (s *Store) RegenerateAPIKey(ctx context.Context, id string) (APIKey, error) {
	key, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return APIKey{}, err
	}

	plaintext, err := GenerateAPIKey()
	if err != nil {
		return APIKey{}, err
	}
	key.KeyValue = plaintext
	key.KeyHash = HashAPIKey(plaintext)
	key.CreatedAt = time.Now().UTC()
	key.LastUsedAt = nil

	_, err = s.db.ExecContext(ctx, `
UPDATE api_keys SET key_hash = ?, key_value = ?, created_at = ?, last_used_at = NULL
WHERE id = ?`,
		key.KeyHash, key.KeyValue, key.CreatedAt, id)
	if err != nil {
		return APIKey{}, fmt.Errorf("regenerate api key: %w", err)
	}
	return key, nil
}

// TouchAPIKey records the key's last use.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
