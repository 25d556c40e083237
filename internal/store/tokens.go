package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"clientportal/internal/models"
)

const (
	RevokedRotated       = "rotated"
	RevokedLogout        = "logout"
	RevokedReuse         = "reuse_detected"
	RevokedPasswordReset = "password_reset"
)

// maxChainWalk bounds a replaced_by walk against corrupted cyclic data.
const maxChainWalk = 10000

const refreshColumns = `id,user_id,token_hash,expires_at,created_at,created_by_ip,revoked_at,revoked_reason,replaced_by_id`

func scanRefreshToken(row rowScanner) (models.RefreshToken, error) {
	var t models.RefreshToken
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.CreatedByIP, &revokedAt, &t.RevokedReason, &replacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return models.RefreshToken{}, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.RevokedAt = timePtr(revokedAt)
	t.ReplacedByID = stringPtr(replacedBy)
	return t, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, t models.RefreshToken) (models.RefreshToken, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := s.insertRefreshToken(ctx, s.db, t); err != nil {
		return models.RefreshToken{}, err
	}
	return t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertRefreshToken(ctx context.Context, ex execer, t models.RefreshToken) error {
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO refresh_tokens(id,user_id,token_hash,expires_at,created_at,created_by_ip,revoked_at,revoked_reason,replaced_by_id) VALUES(?,?,?,?,?,?,?,?,?)`),
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt.UTC(), t.CreatedAt.UTC(), t.CreatedByIP, nil, "", nil,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (models.RefreshToken, error) {
	return scanRefreshToken(s.db.QueryRowContext(ctx, s.q(`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash=?`), tokenHash))
}

// RotateRefreshToken revokes oldID and stores next as its successor in one
// transaction. The revoke is conditional on the old row still being live, so
// of two concurrent rotations exactly one succeeds; the other gets ErrConflict.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, next models.RefreshToken, now time.Time) (models.RefreshToken, error) {
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE refresh_tokens SET revoked_at=?, revoked_reason=?, replaced_by_id=? WHERE id=? AND revoked_at IS NULL`),
			now.UTC(), RevokedRotated, next.ID, oldID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return s.insertRefreshToken(ctx, tx, next)
	})
	if err != nil {
		return models.RefreshToken{}, err
	}
	return next, nil
}

// RevokeRefreshToken is idempotent; it reports whether this call did the revoke.
func (s *Store) RevokeRefreshToken(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE refresh_tokens SET revoked_at=?, revoked_reason=? WHERE id=? AND revoked_at IS NULL`),
		now.UTC(), reason, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeRefreshChain follows replaced_by_id from fromID and revokes every live
// descendant. It returns the number of tokens it revoked.
func (s *Store) RevokeRefreshChain(ctx context.Context, fromID, reason string, now time.Time) (int, error) {
	revoked := 0
	seen := map[string]bool{fromID: true}
	cur := fromID
	for i := 0; i < maxChainWalk; i++ {
		var next sql.NullString
		err := s.db.QueryRowContext(ctx, s.q(`SELECT replaced_by_id FROM refresh_tokens WHERE id=?`), cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return revoked, nil
		}
		if err != nil {
			return revoked, err
		}
		if !next.Valid || next.String == "" || seen[next.String] {
			return revoked, nil
		}
		cur = next.String
		seen[cur] = true
		ok, err := s.RevokeRefreshToken(ctx, cur, reason, now)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

func (s *Store) revokeUserRefreshTokens(ctx context.Context, ex execer, userID, reason string, now time.Time) (int64, error) {
	res, err := ex.ExecContext(ctx, s.q(
		`UPDATE refresh_tokens SET revoked_at=?, revoked_reason=? WHERE user_id=? AND revoked_at IS NULL`),
		now.UTC(), reason, userID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreatePasswordResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (models.PasswordResetToken, error) {
	t := models.PasswordResetToken{ID: uuid.NewString(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt.UTC(), CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO password_reset_tokens(id,user_id,token_hash,expires_at,used_at,created_at) VALUES(?,?,?,?,?,?)`),
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, nil, t.CreatedAt,
	)
	return t, err
}

func (s *Store) FindPasswordResetToken(ctx context.Context, tokenHash string) (models.PasswordResetToken, error) {
	var t models.PasswordResetToken
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id,user_id,token_hash,expires_at,used_at,created_at FROM password_reset_tokens WHERE token_hash=?`), tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &usedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PasswordResetToken{}, ErrNotFound
	}
	if err != nil {
		return models.PasswordResetToken{}, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UsedAt = timePtr(usedAt)
	return t, nil
}

// ResetPasswordWithToken consumes the reset token, stores the new hash, clears
// any lock and revokes every live refresh token of the user in a single
// transaction. A token consumed concurrently yields ErrConflict.
func (s *Store) ResetPasswordWithToken(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) (int64, error) {
	var revoked int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.consumeTokenTx(ctx, tx, "password_reset_tokens", tokenID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE users SET password_hash=?, failed_login_attempts=0, locked_until=NULL, updated_at=? WHERE id=?`),
			passwordHash, now.UTC(), userID,
		)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		revoked, err = s.revokeUserRefreshTokens(ctx, tx, userID, RevokedPasswordReset, now)
		return err
	})
	return revoked, err
}

func (s *Store) CreateEmailVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (models.EmailVerificationToken, error) {
	t := models.EmailVerificationToken{ID: uuid.NewString(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt.UTC(), CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO email_verification_tokens(id,user_id,token_hash,expires_at,used_at,created_at) VALUES(?,?,?,?,?,?)`),
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, nil, t.CreatedAt,
	)
	return t, err
}

func (s *Store) FindEmailVerificationToken(ctx context.Context, tokenHash string) (models.EmailVerificationToken, error) {
	var t models.EmailVerificationToken
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id,user_id,token_hash,expires_at,used_at,created_at FROM email_verification_tokens WHERE token_hash=?`), tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &usedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmailVerificationToken{}, ErrNotFound
	}
	if err != nil {
		return models.EmailVerificationToken{}, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UsedAt = timePtr(usedAt)
	return t, nil
}

// ConfirmEmailWithToken consumes the verification token and marks the email
// confirmed in one transaction.
func (s *Store) ConfirmEmailWithToken(ctx context.Context, tokenID, userID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.consumeTokenTx(ctx, tx, "email_verification_tokens", tokenID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE users SET email_confirmed=?, updated_at=? WHERE id=?`), true, now.UTC(), userID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// InvalidateVerificationTokens marks every outstanding verification token of
// the user as used.
func (s *Store) InvalidateVerificationTokens(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE email_verification_tokens SET used_at=? WHERE user_id=? AND used_at IS NULL`), now.UTC(), userID)
	return err
}

func (s *Store) consumeTokenTx(ctx context.Context, tx *sql.Tx, table, tokenID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET used_at=? WHERE id=? AND used_at IS NULL`), now.UTC(), tokenID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
