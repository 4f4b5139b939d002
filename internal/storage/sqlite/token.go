package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/gpttools/gpttools/internal"
)

const tokenColumns = `account_id, id_token, access_token, refresh_token, api_key_access_token, last_refresh`

// UpsertToken inserts or replaces the token row for an account.
func (s *Store) UpsertToken(ctx context.Context, t *gateway.Token) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		t.AccountID, t.IDToken, t.AccessToken, t.RefreshToken,
		nullStr(t.APIKeyAccessToken), timeToStr(t.LastRefresh),
	)
	return err
}

// GetToken retrieves the token row for an account.
func (s *Store) GetToken(ctx context.Context, accountID string) (*gateway.Token, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE account_id = ?`, accountID)
	return scanToken(row)
}

// ListTokens returns all token rows.
func (s *Store) ListTokens(ctx context.Context) ([]*gateway.Token, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanToken(sc scanner) (*gateway.Token, error) {
	var t gateway.Token
	var apiKeyToken, lastRefresh sql.NullString

	err := sc.Scan(&t.AccountID, &t.IDToken, &t.AccessToken, &t.RefreshToken,
		&apiKeyToken, &lastRefresh)
	if err != nil {
		return nil, notFoundErr(err)
	}

	t.APIKeyAccessToken = apiKeyToken.String
	if lastRefresh.Valid {
		t.LastRefresh = parseTime(lastRefresh.String)
	}
	return &t, nil
}
