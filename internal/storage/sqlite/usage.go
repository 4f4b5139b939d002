package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/gpttools/gpttools/internal"
)

const usageColumns = `id, account_id, used_percent, window_minutes, resets_at,
	 secondary_used_percent, secondary_window_minutes, secondary_resets_at,
	 credits_json, captured_at`

// InsertUsageSnapshot appends one row to the usage time-series.
func (s *Store) InsertUsageSnapshot(ctx context.Context, snap *gateway.UsageSnapshot) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_snapshots (account_id, used_percent, window_minutes, resets_at,
		 secondary_used_percent, secondary_window_minutes, secondary_resets_at,
		 credits_json, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.AccountID,
		nullFloat(snap.UsedPercent), nullInt(snap.WindowMinutes), nullInt(snap.ResetsAt),
		nullFloat(snap.SecondaryUsedPercent), nullInt(snap.SecondaryWindowMinutes), nullInt(snap.SecondaryResetsAt),
		nullStr(snap.CreditsJSON), timeToStr(snap.CapturedAt),
	)
	return err
}

// LatestUsageSnapshots returns the newest snapshot per account: max
// captured_at, ties broken by the highest (latest-inserted) id.
func (s *Store) LatestUsageSnapshots(ctx context.Context) (map[string]*gateway.UsageSnapshot, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_snapshots
		 WHERE id IN (
		     SELECT MAX(u.id) FROM usage_snapshots u
		     JOIN (SELECT account_id, MAX(captured_at) AS max_captured
		           FROM usage_snapshots GROUP BY account_id) latest
		       ON latest.account_id = u.account_id AND latest.max_captured = u.captured_at
		     GROUP BY u.account_id)
		 ORDER BY captured_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*gateway.UsageSnapshot)
	for rows.Next() {
		snap, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out[snap.AccountID] = snap
	}
	return out, rows.Err()
}

// LatestUsageSnapshot returns the newest snapshot for one account, or
// gateway.ErrNotFound when the account has none.
func (s *Store) LatestUsageSnapshot(ctx context.Context, accountID string) (*gateway.UsageSnapshot, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_snapshots
		 WHERE account_id = ? ORDER BY captured_at DESC, id DESC LIMIT 1`, accountID)
	return scanUsage(row)
}

func scanUsage(sc scanner) (*gateway.UsageSnapshot, error) {
	var snap gateway.UsageSnapshot
	var usedPct, secUsedPct sql.NullFloat64
	var windowMin, resetsAt, secWindowMin, secResetsAt sql.NullInt64
	var credits sql.NullString
	var capturedAt string

	err := sc.Scan(&snap.ID, &snap.AccountID, &usedPct, &windowMin, &resetsAt,
		&secUsedPct, &secWindowMin, &secResetsAt, &credits, &capturedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	snap.UsedPercent = floatPtr(usedPct)
	snap.WindowMinutes = intPtr(windowMin)
	snap.ResetsAt = intPtr(resetsAt)
	snap.SecondaryUsedPercent = floatPtr(secUsedPct)
	snap.SecondaryWindowMinutes = intPtr(secWindowMin)
	snap.SecondaryResetsAt = intPtr(secResetsAt)
	snap.CreditsJSON = credits.String
	snap.CapturedAt = parseTime(capturedAt)
	return &snap, nil
}
