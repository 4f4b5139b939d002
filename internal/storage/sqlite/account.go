package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
)

const accountColumns = `id, label, issuer, chatgpt_account_id, workspace_id, workspace_name,
	 note, tags, group_name, sort, status, created_at, updated_at`

// UpsertAccount inserts or replaces an account row.
func (s *Store) UpsertAccount(ctx context.Context, a *gateway.Account) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Label, a.Issuer,
		nullStr(a.ChatGPTAccountID), nullStr(a.WorkspaceID), nullStr(a.WorkspaceName),
		nullStr(a.Note), nullStr(a.Tags), nullStr(a.GroupName),
		a.Sort, a.Status, timeToStr(a.CreatedAt), timeToStr(a.UpdatedAt),
	)
	return err
}

// GetAccount retrieves one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*gateway.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by sort key, newest update first
// within the same sort value.
func (s *Store) ListAccounts(ctx context.Context) ([]*gateway.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY sort ASC, updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountStatus sets the lifecycle status and bumps updated_at.
func (s *Store) UpdateAccountStatus(ctx context.Context, id, status string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		status, timeToStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// UpdateAccountSort sets the operator-defined sort key.
func (s *Store) UpdateAccountSort(ctx context.Context, id string, sort int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET sort = ?, updated_at = ? WHERE id = ?`,
		sort, timeToStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// DeleteAccount removes the account row and cascades to tokens, usage
// snapshots, and events in a single transaction.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM tokens WHERE account_id = ?`,
		`DELETE FROM usage_snapshots WHERE account_id = ?`,
		`DELETE FROM events WHERE account_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "account"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func scanAccount(sc scanner) (*gateway.Account, error) {
	var a gateway.Account
	var chatgptID, workspaceID, workspaceName, note, tags, groupName sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&a.ID, &a.Label, &a.Issuer, &chatgptID, &workspaceID, &workspaceName,
		&note, &tags, &groupName, &a.Sort, &a.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.ChatGPTAccountID = chatgptID.String
	a.WorkspaceID = workspaceID.String
	a.WorkspaceName = workspaceName.String
	a.Note = note.String
	a.Tags = tags.String
	a.GroupName = groupName.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
