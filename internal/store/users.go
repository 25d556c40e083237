package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"clientportal/internal/models"
)

const userColumns = `id,email,password_hash,first_name,last_name,is_active,deleted_at,email_confirmed,failed_login_attempts,locked_until,last_login_at,google_id,datev_id,created_at,updated_at`

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var deletedAt, lockedUntil, lastLogin sql.NullTime
	var googleID, datevID sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.IsActive, &deletedAt,
		&u.EmailConfirmed, &u.FailedLoginAttempts, &lockedUntil, &lastLogin, &googleID, &datevID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	u.DeletedAt = timePtr(deletedAt)
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	u.GoogleID = stringPtr(googleID)
	u.DatevID = stringPtr(datevID)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

// CreateUser inserts u with an initial role. The email is lower-cased, so a
// case variant of an existing address fails with ErrConflict, as does a
// provider subject already linked to another user.
func (s *Store) CreateUser(ctx context.Context, u models.User, role string) (models.User, error) {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = NormalizeEmail(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.CreatedAt

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.IsActive, nullTime(u.DeletedAt),
			u.EmailConfirmed, u.FailedLoginAttempts, nullTime(u.LockedUntil), nullTime(u.LastLoginAt),
			nullString(u.GoogleID), nullString(u.DatevID), u.CreatedAt, u.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		if role == "" {
			return nil
		}
		return s.assignRoleTx(ctx, tx, u.ID, role, u.CreatedAt)
	})
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE email=?`), NormalizeEmail(email))
	return scanUser(row)
}

func (s *Store) FindUserByID(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id=?`), id)
	return scanUser(row)
}

func (s *Store) FindUserByProvider(ctx context.Context, kind models.ProviderKind, subject string) (models.User, error) {
	col, err := providerColumn(kind)
	if err != nil {
		return models.User{}, err
	}
	if strings.TrimSpace(subject) == "" {
		return models.User{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE `+col+`=?`), subject)
	return scanUser(row)
}

// SaveUser persists profile and status fields. Counters, lock state and
// last-login are owned by the dedicated atomic methods below.
func (s *Store) SaveUser(ctx context.Context, u models.User) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET email=?, password_hash=?, first_name=?, last_name=?, is_active=?, deleted_at=?, email_confirmed=?, google_id=?, datev_id=?, updated_at=? WHERE id=?`),
		NormalizeEmail(u.Email), u.PasswordHash, u.FirstName, u.LastName, u.IsActive, nullTime(u.DeletedAt), u.EmailConfirmed,
		nullString(u.GoogleID), nullString(u.DatevID), time.Now().UTC(), u.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return requireRow(res)
}

// RecordFailedAttempt increments the failed-login counter and, when the new
// count reaches threshold, sets the lock expiry, all in one statement so that
// concurrent failures can neither lose an increment nor skip the lock.
// locked_until is assigned first because MySQL evaluates SET left to right.
func (s *Store) RecordFailedAttempt(ctx context.Context, userID string, threshold int, lockUntil time.Time) (models.User, error) {
	var out models.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE users SET
			   locked_until = CASE WHEN failed_login_attempts + 1 >= ? THEN ? ELSE locked_until END,
			   failed_login_attempts = failed_login_attempts + 1,
			   updated_at = ?
			 WHERE id=?`),
			threshold, lockUntil.UTC(), time.Now().UTC(), userID,
		)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		out, err = scanUser(tx.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id=?`), userID))
		return err
	})
	if err != nil {
		return models.User{}, err
	}
	return out, nil
}

// ResetFailedAttempts clears the counter and any lock and stamps last-login.
func (s *Store) ResetFailedAttempts(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET failed_login_attempts=0, locked_until=NULL, last_login_at=?, updated_at=? WHERE id=?`),
		at.UTC(), at.UTC(), userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClearExpiredLock resets the counter and lock if the lock is still the one
// the caller observed. It reports false when the row changed in between.
func (s *Store) ClearExpiredLock(ctx context.Context, userID string, observed time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET failed_login_attempts=0, locked_until=NULL, updated_at=? WHERE id=? AND locked_until=?`),
		time.Now().UTC(), userID, observed.UTC(),
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

// LinkProvider fills an empty provider slot. A filled slot or a subject that
// belongs to another user yields ErrConflict.
func (s *Store) LinkProvider(ctx context.Context, userID string, kind models.ProviderKind, subject string) error {
	col, err := providerColumn(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET `+col+`=?, updated_at=? WHERE id=? AND `+col+` IS NULL`),
		subject, time.Now().UTC(), userID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.FindUserByID(ctx, userID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func providerColumn(kind models.ProviderKind) (string, error) {
	switch kind {
	case models.ProviderGoogle:
		return "google_id", nil
	case models.ProviderDatev:
		return "datev_id", nil
	default:
		return "", fmt.Errorf("unknown provider %q", kind)
	}
}

// UserRoles lists role names in assignment order; the first one is the
// user's primary role.
func (s *Store) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id=? ORDER BY ur.assigned_at ASC, r.id ASC`),
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) assignRoleTx(ctx context.Context, tx *sql.Tx, userID, role string, at time.Time) error {
	var roleID int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM roles WHERE name=?`), role).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("role %q: %w", role, ErrNotFound)
	}
	if err != nil {
		return err
	}
	// A failed insert aborts a postgres transaction, so check first.
	var existing int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM user_roles WHERE user_id=? AND role_id=?`), userID, roleID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO user_roles(user_id, role_id, assigned_at) VALUES(?,?,?)`), userID, roleID, at.UTC())
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
