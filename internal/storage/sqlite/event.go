package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/gpttools/gpttools/internal"
)

// AppendEvent appends one audit event.
func (s *Store) AppendEvent(ctx context.Context, e *gateway.Event) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO events (account_id, type, message, created_at) VALUES (?, ?, ?, ?)`,
		nullStr(e.AccountID), e.Type, e.Message, timeToStr(e.CreatedAt))
	return err
}

// ListEvents returns events newest first, optionally filtered by account.
// limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, accountID string, limit int) ([]*gateway.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT disables the cap
	}
	var rows *sql.Rows
	var err error
	if accountID == "" {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, account_id, type, message, created_at FROM events
			 ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, account_id, type, message, created_at FROM events
			 WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Event
	for rows.Next() {
		var e gateway.Event
		var acc sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &acc, &e.Type, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		e.AccountID = acc.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
