package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/gpttools/gpttools/internal"
)

// AppendRequestLog appends one gateway request log row.
func (s *Store) AppendRequestLog(ctx context.Context, l *gateway.RequestLog) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs (key_id, path, method, model, reasoning_effort,
		 upstream_url, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(l.KeyID), l.Path, l.Method, nullStr(l.Model), nullStr(l.ReasoningEffort),
		nullStr(l.UpstreamURL), l.Status, nullStr(l.Error), timeToStr(l.CreatedAt))
	return err
}

// ListRequestLogs returns request logs newest first. A non-empty query
// filters by substring over path, model, and error; limit <= 0 means no cap.
func (s *Store) ListRequestLogs(ctx context.Context, query string, limit int) ([]*gateway.RequestLog, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows *sql.Rows
	var err error
	if query == "" {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, key_id, path, method, model, reasoning_effort, upstream_url,
			 status, error, created_at FROM request_logs ORDER BY id DESC LIMIT ?`, limit)
	} else {
		like := "%" + query + "%"
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, key_id, path, method, model, reasoning_effort, upstream_url,
			 status, error, created_at FROM request_logs
			 WHERE path LIKE ? OR model LIKE ? OR error LIKE ?
			 ORDER BY id DESC LIMIT ?`, like, like, like, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.RequestLog
	for rows.Next() {
		var l gateway.RequestLog
		var keyID, model, reasoning, upstreamURL, errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&l.ID, &keyID, &l.Path, &l.Method, &model, &reasoning,
			&upstreamURL, &l.Status, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		l.KeyID = keyID.String
		l.Model = model.String
		l.ReasoningEffort = reasoning.String
		l.UpstreamURL = upstreamURL.String
		l.Error = errMsg.String
		l.CreatedAt = parseTime(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ClearRequestLogs removes all request log rows.
func (s *Store) ClearRequestLogs(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM request_logs`)
	return err
}
