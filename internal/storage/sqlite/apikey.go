package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ccgw/ccgw/internal/model"
)

// CreateKey inserts a new API key row.
func (s *Store) CreateKey(ctx context.Context, k *model.APIKey) error {
	endpoints, err := marshalStrings(k.AllowedEndpoints)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, description, key_hash, key_ciphertext, key_prefix,
		 key_suffix, is_wildcard, enabled, created_at, allowed_endpoints)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, nullStr(k.Description), k.KeyHash, k.KeyCiphertext, k.KeyPrefix,
		k.KeySuffix, boolToInt(k.IsWildcard), boolToInt(k.Enabled), timeToStr(k.CreatedAt), endpoints,
	)
	return err
}

const selectKeyCols = `id, name, description, key_hash, key_ciphertext, key_prefix, key_suffix,
	is_wildcard, enabled, created_at, last_used_at, request_count,
	total_input_tokens, total_output_tokens, allowed_endpoints`

// GetKeyByHash retrieves an API key by its SHA-256 hash, the hot path for
// request authentication.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+selectKeyCols+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*model.APIKey, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+selectKeyCols+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns every API key, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*model.APIKey, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+selectKeyCols+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKeySettings updates the mutable fields an operator may change after
// creation: enabled state and the endpoint allowlist.
func (s *Store) UpdateKeySettings(ctx context.Context, id string, enabled bool, allowedEndpoints []string) error {
	endpoints, err := marshalStrings(allowedEndpoints)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET enabled=?, allowed_endpoints=? WHERE id=?`,
		boolToInt(enabled), endpoints, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key row and nothing else -- no table references
// api_keys by foreign key, so request logs referencing it keep their
// denormalized api_key_name/masked value for historical display.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// RecordKeyUsage increments the key's request and token counters and
// touches last_used_at, in one statement to avoid a read-modify-write race
// under concurrent requests.
func (s *Store) RecordKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET request_count = request_count + 1,
		 total_input_tokens = total_input_tokens + ?,
		 total_output_tokens = total_output_tokens + ?,
		 last_used_at = ?
		 WHERE id = ?`,
		inputTokens, outputTokens, timeToStr(time.Now()), id,
	)
	return err
}

// GetWildcardKey returns the single wildcard key, if one has been created.
func (s *Store) GetWildcardKey(ctx context.Context) (*model.APIKey, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+selectKeyCols+` FROM api_keys WHERE is_wildcard = 1 LIMIT 1`)
	return scanKey(row)
}

func scanKey(s scanner) (*model.APIKey, error) {
	var k model.APIKey
	var description, lastUsedAt, createdAt sql.NullString
	var endpointsJSON sql.NullString
	var isWildcard, enabled int

	err := s.Scan(
		&k.ID, &k.Name, &description, &k.KeyHash, &k.KeyCiphertext, &k.KeyPrefix, &k.KeySuffix,
		&isWildcard, &enabled, &createdAt, &lastUsedAt,
		&k.RequestCount, &k.TotalInputTokens, &k.TotalOutputTokens, &endpointsJSON,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Description = description.String
	k.IsWildcard = isWildcard != 0
	k.Enabled = enabled != 0
	k.CreatedAt = parseTime(createdAt.String)
	k.LastUsedAt = parseTimePtr(lastUsedAt)
	endpoints, err := unmarshalStrings(endpointsJSON)
	if err != nil {
		return nil, err
	}
	k.AllowedEndpoints = endpoints
	return &k, nil
}
