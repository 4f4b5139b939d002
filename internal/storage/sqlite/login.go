package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/gpttools/gpttools/internal"
)

const loginColumns = `id, kind, state, pkce_verifier, redirect_uri, auth_url,
	 device_code, user_code, verification_uri, status, error,
	 account_id, note, tags, group_name, workspace_id, created_at, updated_at`

// CreateLoginSession inserts a new login session.
func (s *Store) CreateLoginSession(ctx context.Context, sess *gateway.LoginSession) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO login_sessions (`+loginColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Kind, sess.State, sess.PKCEVerifier, nullStr(sess.RedirectURI),
		nullStr(sess.AuthURL), nullStr(sess.DeviceCode), nullStr(sess.UserCode),
		nullStr(sess.VerificationURI),
		sess.Status, nullStr(sess.Error), nullStr(sess.AccountID),
		nullStr(sess.Note), nullStr(sess.Tags), nullStr(sess.GroupName), nullStr(sess.WorkspaceID),
		timeToStr(sess.CreatedAt), timeToStr(sess.UpdatedAt),
	)
	return err
}

// GetLoginSession retrieves a login session by id.
func (s *Store) GetLoginSession(ctx context.Context, id string) (*gateway.LoginSession, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+loginColumns+` FROM login_sessions WHERE id = ?`, id)
	return scanLogin(row)
}

// GetLoginSessionByState retrieves a login session by its OAuth state value.
func (s *Store) GetLoginSessionByState(ctx context.Context, state string) (*gateway.LoginSession, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+loginColumns+` FROM login_sessions WHERE state = ? LIMIT 1`, state)
	return scanLogin(row)
}

// UpdateLoginSession persists status, error, and account linkage changes.
func (s *Store) UpdateLoginSession(ctx context.Context, sess *gateway.LoginSession) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE login_sessions SET status = ?, error = ?, account_id = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Status, nullStr(sess.Error), nullStr(sess.AccountID),
		timeToStr(sess.UpdatedAt), sess.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "login session")
}

func scanLogin(sc scanner) (*gateway.LoginSession, error) {
	var sess gateway.LoginSession
	var redirectURI, authURL, deviceCode, userCode, verificationURI sql.NullString
	var errMsg, accountID, note, tags, groupName, workspaceID sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&sess.ID, &sess.Kind, &sess.State, &sess.PKCEVerifier, &redirectURI,
		&authURL, &deviceCode, &userCode, &verificationURI,
		&sess.Status, &errMsg, &accountID, &note, &tags, &groupName, &workspaceID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	sess.RedirectURI = redirectURI.String
	sess.AuthURL = authURL.String
	sess.DeviceCode = deviceCode.String
	sess.UserCode = userCode.String
	sess.VerificationURI = verificationURI.String
	sess.Error = errMsg.String
	sess.AccountID = accountID.String
	sess.Note = note.String
	sess.Tags = tags.String
	sess.GroupName = groupName.String
	sess.WorkspaceID = workspaceID.String
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}
