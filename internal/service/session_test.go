package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clientportal/internal/audit"
	"clientportal/internal/models"
	"clientportal/internal/store"
)

func TestLoginSuccessResetsCounterAndIssuesPair(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithClientIP(context.Background(), "198.51.100.4")
	u := f.createUser(t, "anna@example.com", nil)

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Login(ctx, "anna@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	if got := f.reload(t, u.ID).FailedLoginAttempts; got != 3 {
		t.Fatalf("expected 3 failed attempts, got %d", got)
	}

	res, err := f.svc.Login(ctx, "ANNA@example.com", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.TokenType != "Bearer" || res.ExpiresIn != 300 || res.RefreshToken == "" {
		t.Fatalf("unexpected token pair %+v", res.TokenPair)
	}
	if res.User.ID != u.ID || res.User.Role != models.RoleClient || res.User.FirstName != "Anna" {
		t.Fatalf("unexpected user info %+v", res.User)
	}
	claims, err := f.signer.ValidateAccessToken(res.AccessToken)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if claims.Subject != u.ID || len(claims.Roles) != 1 || claims.Roles[0] != models.RoleClient {
		t.Fatalf("unexpected claims %+v", claims)
	}

	after := f.reload(t, u.ID)
	if after.FailedLoginAttempts != 0 || after.LastLoginAt == nil {
		t.Fatalf("expected counter reset and last login stamped, got %+v", after)
	}
	rt, err := f.st.FindRefreshTokenByHash(ctx, hashOf(res.RefreshToken))
	if err != nil {
		t.Fatalf("refresh token not persisted: %v", err)
	}
	if rt.CreatedByIP != "198.51.100.4" || !rt.ExpiresAt.Equal(f.clock().Add(7*24*time.Hour)) {
		t.Fatalf("unexpected refresh record %+v", rt)
	}
}

func TestLoginUnknownEmailLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "anna@example.com", nil)

	_, errUnknown := f.svc.Login(context.Background(), "ghost@example.com", testPassword)
	_, errWrong := f.svc.Login(context.Background(), "anna@example.com", "Wrong-Passw0rd")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected both to be ErrInvalidCredentials, got %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("messages differ: %q vs %q", errUnknown, errWrong)
	}
}

func TestFifthFailureLocksEvenForCorrectPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "anna@example.com", nil)

	for i := 1; i <= 5; i++ {
		if _, err := f.svc.Login(ctx, u.Email, "Wrong-Passw0rd"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	locked := f.reload(t, u.ID)
	if locked.State(f.clock()).Kind != models.StateLocked || !locked.LockedUntil.Equal(f.clock().Add(30*time.Minute)) {
		t.Fatalf("expected a 30 minute lock, got %+v", locked)
	}
	entries, err := f.st.ListAudit(ctx, "user", u.ID, 10)
	if err != nil || len(entries) != 1 || entries[0].Action != audit.ActionAccountLocked {
		t.Fatalf("expected account_locked audit entry, got %v %v", entries, err)
	}

	if _, err := f.svc.Login(ctx, u.Email, testPassword); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked with correct password, got %v", err)
	}
	f.advance(30 * time.Minute)
	if _, err := f.svc.Login(ctx, u.Email, testPassword); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lock to hold at its expiry instant, got %v", err)
	}
	if got := f.reload(t, u.ID).FailedLoginAttempts; got != 5 {
		t.Fatalf("locked attempts must not change the counter, got %d", got)
	}

	f.advance(time.Second)
	if _, err := f.svc.Login(ctx, u.Email, testPassword); err != nil {
		t.Fatalf("expected login after lock expiry, got %v", err)
	}
	after := f.reload(t, u.ID)
	if after.FailedLoginAttempts != 0 || after.LockedUntil != nil {
		t.Fatalf("expected lock and counter cleared, got %+v", after)
	}
}

func TestExpiredLockRestartsCounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "anna@example.com", nil)
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, u.Email, "Wrong-Passw0rd")
	}
	f.advance(31 * time.Minute)
	if _, err := f.svc.Login(ctx, u.Email, "Wrong-Passw0rd"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	after := f.reload(t, u.ID)
	if after.FailedLoginAttempts != 1 || after.LockedUntil != nil {
		t.Fatalf("expected a fresh counter after lock expiry, got %+v", after)
	}
}

func TestInactiveAccountRejectedRegardlessOfPassword(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "anna@example.com", func(u *models.User) { u.IsActive = false })
	for _, pw := range []string{testPassword, "Wrong-Passw0rd"} {
		if _, err := f.svc.Login(context.Background(), u.Email, pw); !errors.Is(err, ErrAccountInactive) {
			t.Fatalf("expected ErrAccountInactive, got %v", err)
		}
	}
	if got := f.reload(t, u.ID).FailedLoginAttempts; got != 0 {
		t.Fatalf("inactive logins must not count, got %d", got)
	}
}

func TestSoftDeletedUserIsUnknown(t *testing.T) {
	f := newFixture(t)
	deleted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u := f.createUser(t, "gone@example.com", func(u *models.User) { u.DeletedAt = &deleted })
	if _, err := f.svc.Login(context.Background(), u.Email, testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRotatesAndOldTokenIsRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "anna@example.com", nil)
	login, err := f.svc.Login(ctx, u.Email, testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	next, err := f.svc.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == login.RefreshToken || next.AccessToken == "" {
		t.Fatalf("expected a new pair, got %+v", next)
	}
	if _, err := f.svc.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked on reuse, got %v", err)
	}
}

func TestRefreshReuseRevokesDescendants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "anna@example.com", nil)
	login, _ := f.svc.Login(ctx, u.Email, testPassword)
	second, err := f.svc.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	third, err := f.svc.Refresh(ctx, second.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := f.svc.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	tail, err := f.st.FindRefreshTokenByHash(ctx, hashOf(third.RefreshToken))
	if err != nil {
		t.Fatalf("find tail: %v", err)
	}
	if !tail.Revoked() || tail.RevokedReason != store.RevokedReuse {
		t.Fatalf("expected chain tail revoked for reuse, got %+v", tail)
	}
	if _, err := f.svc.Refresh(ctx, third.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected tail to be unusable, got %v", err)
	}
}

func TestRefreshErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "anna@example.com", nil)
	login, _ := f.svc.Login(ctx, u.Email, testPassword)

	if _, err := f.svc.Refresh(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}

	u.IsActive = false
	if err := f.st.SaveUser(ctx, u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}

	f.advance(7 * 24 * time.Hour)
	if _, err := f.svc.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "anna@example.com", nil)
	login, _ := f.svc.Login(ctx, u.Email, testPassword)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Refresh(ctx, login.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenRevoked):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", wins)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "anna@example.com", nil)
	login, _ := f.svc.Login(ctx, u.Email, testPassword)

	for i := 0; i < 2; i++ {
		if err := f.svc.Logout(ctx, login.RefreshToken); err != nil {
			t.Fatalf("logout %d: %v", i, err)
		}
	}
	if err := f.svc.Logout(ctx, "unknown-token"); err != nil {
		t.Fatalf("logout of unknown token: %v", err)
	}
	rt, _ := f.st.FindRefreshTokenByHash(ctx, hashOf(login.RefreshToken))
	if !rt.Revoked() || rt.RevokedReason != store.RevokedLogout {
		t.Fatalf("expected token revoked by logout, got %+v", rt)
	}
	if _, err := f.svc.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after logout, got %v", err)
	}
}

func TestCurrentUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gid := "google-sub"
	u := f.createUser(t, "anna@example.com", func(u *models.User) { u.GoogleID = &gid })

	info, err := f.svc.CurrentUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if info.Email != u.Email || info.Role != models.RoleClient || !info.EmailConfirmed {
		t.Fatalf("unexpected snapshot %+v", info)
	}
	if len(info.LinkedProviders) != 1 || info.LinkedProviders[0] != models.ProviderGoogle {
		t.Fatalf("unexpected linked providers %v", info.LinkedProviders)
	}
	if _, err := f.svc.CurrentUser(ctx, "missing"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown user, got %v", err)
	}
}
