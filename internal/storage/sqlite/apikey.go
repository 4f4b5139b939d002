package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
)

const apiKeyColumns = `id, name, key_hash, status, model_slug, reasoning_effort,
	 client_type, protocol_type, auth_scheme, upstream_base_url, static_headers_json,
	 created_at, last_used_at`

// CreateKey inserts a new platform key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, nullStr(key.Name), key.KeyHash, key.Status,
		nullStr(key.ModelSlug), nullStr(key.ReasoningEffort),
		nullStr(key.ClientType), nullStr(key.ProtocolType), nullStr(key.AuthScheme),
		nullStr(key.UpstreamBaseURL), nullStr(key.StaticHeadersJSON),
		timeToStr(key.CreatedAt), timePtrToStr(key.LastUsedAt),
	)
	return err
}

// GetKey retrieves a platform key by its id.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves a platform key by the SHA-256 hash of its cleartext.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns all platform keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKeyModel sets the model and reasoning-effort routing overrides.
// Empty strings clear the override.
func (s *Store) UpdateKeyModel(ctx context.Context, id, modelSlug, reasoningEffort string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET model_slug = ?, reasoning_effort = ? WHERE id = ?`,
		nullStr(modelSlug), nullStr(reasoningEffort), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// UpdateKeyStatus enables or disables a platform key.
func (s *Store) UpdateKeyStatus(ctx context.Context, id, status string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes a platform key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		timeToStr(time.Now()), id)
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var name, modelSlug, reasoning, clientType, protocolType, authScheme sql.NullString
	var baseURL, staticHeaders, lastUsedAt sql.NullString
	var createdAt string

	err := sc.Scan(
		&k.ID, &name, &k.KeyHash, &k.Status, &modelSlug, &reasoning,
		&clientType, &protocolType, &authScheme, &baseURL, &staticHeaders,
		&createdAt, &lastUsedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Name = name.String
	k.ModelSlug = modelSlug.String
	k.ReasoningEffort = reasoning.String
	k.ClientType = clientType.String
	k.ProtocolType = protocolType.String
	k.AuthScheme = authScheme.String
	k.UpstreamBaseURL = baseURL.String
	k.StaticHeadersJSON = staticHeaders.String
	k.CreatedAt = parseTime(createdAt)
	k.LastUsedAt = parseTimePtr(lastUsedAt)
	return &k, nil
}
