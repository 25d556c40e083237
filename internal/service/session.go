package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"clientportal/internal/audit"
	"clientportal/internal/auth"
	"clientportal/internal/models"
	"clientportal/internal/store"
)

const tokenTypeBearer = "Bearer"

type UserInfo struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

type LoginResult struct {
	TokenPair
	User UserInfo `json:"user"`
}

// CurrentUserInfo is the snapshot served to an authenticated caller.
type CurrentUserInfo struct {
	UserInfo
	Roles           []string              `json:"roles"`
	EmailConfirmed  bool                  `json:"emailConfirmed"`
	LinkedProviders []models.ProviderKind `json:"linkedProviders"`
	LastLoginAt     *time.Time            `json:"lastLoginAt,omitempty"`
}

func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	now := s.clock()
	u, err := s.st.FindUserByEmail(ctx, email)
	if err != nil && !isNotFound(err) {
		s.metrics.LoginOutcome("error")
		return LoginResult{}, storageError("login find user", err)
	}
	if isNotFound(err) || u.DeletedAt != nil {
		s.hasher.VerifyDummy(password)
		log.Printf("login rejected reason=unknown_email")
		s.metrics.LoginOutcome("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	if u.LockedUntil != nil && !u.LockedUntil.Before(now) {
		log.Printf("login rejected reason=locked user_id=%s", u.ID)
		s.metrics.LoginOutcome("account_locked")
		return LoginResult{}, ErrAccountLocked
	}
	if u.LockExpired(now) {
		if _, err := s.st.ClearExpiredLock(ctx, u.ID, *u.LockedUntil); err != nil {
			s.metrics.LoginOutcome("error")
			return LoginResult{}, storageError("login clear lock", err)
		}
		// Re-read so a lock set concurrently since the first read is honoured.
		if u, err = s.st.FindUserByID(ctx, u.ID); err != nil {
			s.metrics.LoginOutcome("error")
			return LoginResult{}, storageError("login reload user", err)
		}
		if u.State(now).Kind == models.StateLocked {
			s.metrics.LoginOutcome("account_locked")
			return LoginResult{}, ErrAccountLocked
		}
	}
	if u.State(now).Kind == models.StateInactive {
		log.Printf("login rejected reason=inactive user_id=%s", u.ID)
		s.metrics.LoginOutcome("account_inactive")
		return LoginResult{}, ErrAccountInactive
	}

	if !s.hasher.Verify(password, u.PasswordHash) {
		updated, err := s.st.RecordFailedAttempt(ctx, u.ID, s.cfg.LockoutThreshold, now.Add(s.cfg.LockoutDuration))
		if err != nil {
			s.metrics.LoginOutcome("error")
			return LoginResult{}, storageError("login record failure", err)
		}
		log.Printf("login rejected reason=wrong_password user_id=%s", u.ID)
		if updated.State(now).Kind == models.StateLocked {
			s.audit.Record(ctx, models.AuditEntry{
				ActorID:    u.ID,
				Action:     audit.ActionAccountLocked,
				EntityType: "user",
				EntityID:   u.ID,
				Details:    "failed login threshold reached",
			})
		}
		s.metrics.LoginOutcome("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	res, err := s.startSession(ctx, u, now)
	if err != nil {
		s.metrics.LoginOutcome("error")
		return LoginResult{}, err
	}
	s.metrics.LoginOutcome("success")
	return res, nil
}

// startSession clears the failure counter, stamps last-login and issues a new
// token pair. Federated sign-in shares it with Login.
func (s *Service) startSession(ctx context.Context, u models.User, now time.Time) (LoginResult, error) {
	if err := s.st.ResetFailedAttempts(ctx, u.ID, now); err != nil {
		return LoginResult{}, storageError("reset failed attempts", err)
	}
	roles, err := s.st.UserRoles(ctx, u.ID)
	if err != nil {
		return LoginResult{}, storageError("load roles", err)
	}
	access, expiresIn, err := s.issueAccess(u, roles)
	if err != nil {
		return LoginResult{}, err
	}
	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		return LoginResult{}, err
	}
	if _, err := s.st.CreateRefreshToken(ctx, models.RefreshToken{
		UserID:      u.ID,
		TokenHash:   hash,
		ExpiresAt:   now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt:   now,
		CreatedByIP: audit.ClientIP(ctx),
	}); err != nil {
		return LoginResult{}, storageError("persist refresh token", err)
	}
	return LoginResult{
		TokenPair: TokenPair{AccessToken: access, RefreshToken: raw, ExpiresIn: expiresIn, TokenType: tokenTypeBearer},
		User:      userInfo(u, roles),
	}, nil
}

func (s *Service) issueAccess(u models.User, roles []string) (string, int64, error) {
	return s.signer.IssueAccessToken(auth.Subject{
		UserID:    u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Roles:     roles,
	})
}

func userInfo(u models.User, roles []string) UserInfo {
	info := UserInfo{ID: u.ID, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName}
	if len(roles) > 0 {
		info.Role = roles[0]
	}
	return info
}

func (s *Service) Refresh(ctx context.Context, rawToken string) (TokenPair, error) {
	now := s.clock()
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		s.metrics.RefreshOutcome("invalid_token")
		return TokenPair{}, ErrInvalidToken
	}
	t, err := s.st.FindRefreshTokenByHash(ctx, auth.HashOpaqueToken(rawToken))
	if isNotFound(err) {
		s.metrics.RefreshOutcome("invalid_token")
		return TokenPair{}, ErrInvalidToken
	}
	if err != nil {
		s.metrics.RefreshOutcome("error")
		return TokenPair{}, storageError("refresh find token", err)
	}
	if t.Expired(now) {
		s.metrics.RefreshOutcome("token_expired")
		return TokenPair{}, ErrTokenExpired
	}
	if t.Revoked() {
		if t.Rotated() {
			s.revokeLineage(ctx, t, now)
		}
		s.metrics.RefreshOutcome("token_revoked")
		return TokenPair{}, ErrTokenRevoked
	}

	u, err := s.st.FindUserByID(ctx, t.UserID)
	if err != nil {
		s.metrics.RefreshOutcome("error")
		return TokenPair{}, storageError("refresh find user", err)
	}
	if u.State(now).Kind == models.StateInactive {
		s.metrics.RefreshOutcome("account_inactive")
		return TokenPair{}, ErrAccountInactive
	}
	roles, err := s.st.UserRoles(ctx, u.ID)
	if err != nil {
		s.metrics.RefreshOutcome("error")
		return TokenPair{}, storageError("refresh load roles", err)
	}
	access, expiresIn, err := s.issueAccess(u, roles)
	if err != nil {
		s.metrics.RefreshOutcome("error")
		return TokenPair{}, err
	}
	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		s.metrics.RefreshOutcome("error")
		return TokenPair{}, err
	}
	_, err = s.st.RotateRefreshToken(ctx, t.ID, models.RefreshToken{
		UserID:      u.ID,
		TokenHash:   hash,
		ExpiresAt:   now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt:   now,
		CreatedByIP: audit.ClientIP(ctx),
	}, now)
	if errors.Is(err, store.ErrConflict) {
		s.metrics.RefreshOutcome("token_revoked")
		return TokenPair{}, ErrTokenRevoked
	}
	if err != nil {
		s.metrics.RefreshOutcome("error")
		return TokenPair{}, storageError("refresh rotate", err)
	}
	s.metrics.RefreshOutcome("success")
	return TokenPair{AccessToken: access, RefreshToken: raw, ExpiresIn: expiresIn, TokenType: tokenTypeBearer}, nil
}

// revokeLineage handles presentation of a token that was already rotated:
// every descendant is revoked so the holder of the stolen tail loses it too.
func (s *Service) revokeLineage(ctx context.Context, t models.RefreshToken, now time.Time) {
	n, err := s.st.RevokeRefreshChain(ctx, t.ID, store.RevokedReuse, now)
	if err != nil {
		log.Printf("refresh reuse chain revoke failed token_id=%s err=%v", t.ID, err)
	}
	log.Printf("refresh reuse detected token_id=%s user_id=%s revoked=%d", t.ID, t.UserID, n)
	s.audit.Record(ctx, models.AuditEntry{
		ActorID:    t.UserID,
		Action:     audit.ActionRefreshReuse,
		EntityType: "refresh_token",
		EntityID:   t.ID,
		Details:    "rotated refresh token presented again",
	})
}

// Logout revokes the presented refresh token. Unknown, expired and already
// revoked tokens are accepted silently.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil
	}
	t, err := s.st.FindRefreshTokenByHash(ctx, auth.HashOpaqueToken(rawToken))
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return storageError("logout find token", err)
	}
	if _, err := s.st.RevokeRefreshToken(ctx, t.ID, store.RevokedLogout, s.clock()); err != nil {
		return storageError("logout revoke", err)
	}
	return nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (CurrentUserInfo, error) {
	u, err := s.st.FindUserByID(ctx, userID)
	if isNotFound(err) {
		return CurrentUserInfo{}, ErrInvalidToken
	}
	if err != nil {
		return CurrentUserInfo{}, storageError("current user", err)
	}
	if u.State(s.clock()).Kind == models.StateInactive {
		return CurrentUserInfo{}, ErrAccountInactive
	}
	roles, err := s.st.UserRoles(ctx, u.ID)
	if err != nil {
		return CurrentUserInfo{}, storageError("current user roles", err)
	}
	return CurrentUserInfo{
		UserInfo:        userInfo(u, roles),
		Roles:           roles,
		EmailConfirmed:  u.EmailConfirmed,
		LinkedProviders: u.LinkedProviders(),
		LastLoginAt:     u.LastLoginAt,
	}, nil
}
