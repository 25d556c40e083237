package service

import (
	"context"
	"errors"
	"log"
	"strings"

	"clientportal/internal/audit"
	"clientportal/internal/auth"
	"clientportal/internal/models"
	"clientportal/internal/notify"
	"clientportal/internal/store"
)

// RequestPasswordReset never reports failure: the caller must not be able to
// tell whether the address belongs to an account.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = store.NormalizeEmail(email)
	if email == "" {
		return nil
	}
	now := s.clock()
	u, err := s.st.FindUserByEmail(ctx, email)
	if isNotFound(err) || (err == nil && u.DeletedAt != nil) {
		s.dispatch(ctx, notify.Message{Kind: notify.KindAccountNotFound, To: email})
		return nil
	}
	if err != nil {
		log.Printf("password reset lookup failed err=%v", err)
		return nil
	}
	if u.State(now).Kind == models.StateInactive {
		log.Printf("password reset refused reason=inactive user_id=%s", u.ID)
		s.dispatch(ctx, notify.Message{Kind: notify.KindAccountInactive, To: u.Email, Name: u.FirstName})
		return nil
	}

	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		log.Printf("password reset token generation failed user_id=%s err=%v", u.ID, err)
		return nil
	}
	if _, err := s.st.CreatePasswordResetToken(ctx, u.ID, hash, now.Add(s.cfg.PasswordResetTTL)); err != nil {
		log.Printf("password reset token persist failed user_id=%s err=%v", u.ID, err)
		return nil
	}
	s.dispatch(ctx, notify.Message{Kind: notify.KindPasswordReset, To: u.Email, Name: u.FirstName, Token: raw})
	return nil
}

// ResetPassword redeems a reset token. Unknown, used and expired tokens all
// yield ErrInvalidToken.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if err := s.ValidatePassword(newPassword); err != nil {
		return err
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrInvalidToken
	}
	now := s.clock()
	t, err := s.st.FindPasswordResetToken(ctx, auth.HashOpaqueToken(rawToken))
	if isNotFound(err) {
		return ErrInvalidToken
	}
	if err != nil {
		return storageError("reset find token", err)
	}
	if t.UsedAt != nil || !now.Before(t.ExpiresAt) {
		return ErrInvalidToken
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	revoked, err := s.st.ResetPasswordWithToken(ctx, t.ID, t.UserID, hash, now)
	if errors.Is(err, store.ErrConflict) || isNotFound(err) {
		return ErrInvalidToken
	}
	if err != nil {
		return storageError("reset password", err)
	}
	log.Printf("password reset completed user_id=%s revoked_sessions=%d", t.UserID, revoked)
	s.audit.Record(ctx, models.AuditEntry{
		ActorID:    t.UserID,
		Action:     audit.ActionPasswordReset,
		EntityType: "user",
		EntityID:   t.UserID,
	})
	return nil
}

func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrInvalidToken
	}
	now := s.clock()
	t, err := s.st.FindEmailVerificationToken(ctx, auth.HashOpaqueToken(rawToken))
	if isNotFound(err) {
		return ErrInvalidToken
	}
	if err != nil {
		return storageError("verify find token", err)
	}
	if t.UsedAt != nil || !now.Before(t.ExpiresAt) {
		return ErrInvalidToken
	}
	err = s.st.ConfirmEmailWithToken(ctx, t.ID, t.UserID, now)
	if errors.Is(err, store.ErrConflict) || isNotFound(err) {
		return ErrInvalidToken
	}
	if err != nil {
		return storageError("confirm email", err)
	}
	s.audit.Record(ctx, models.AuditEntry{
		ActorID:    t.UserID,
		Action:     audit.ActionEmailVerified,
		EntityType: "user",
		EntityID:   t.UserID,
	})

	u, err := s.st.FindUserByID(ctx, t.UserID)
	if err != nil {
		log.Printf("welcome mail skipped user_id=%s err=%v", t.UserID, err)
		return nil
	}
	s.dispatch(ctx, notify.Message{Kind: notify.KindWelcome, To: u.Email, Name: u.FirstName})
	return nil
}

// ResendVerification replaces outstanding verification tokens of an
// unconfirmed account with a fresh one. It never reports failure.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = store.NormalizeEmail(email)
	if email == "" {
		return nil
	}
	u, err := s.st.FindUserByEmail(ctx, email)
	if err != nil {
		if !isNotFound(err) {
			log.Printf("resend verification lookup failed err=%v", err)
		}
		return nil
	}
	if u.EmailConfirmed || u.State(s.clock()).Kind == models.StateInactive {
		return nil
	}
	if err := s.st.InvalidateVerificationTokens(ctx, u.ID, s.clock()); err != nil {
		log.Printf("resend verification invalidate failed user_id=%s err=%v", u.ID, err)
		return nil
	}
	if err := s.sendVerification(ctx, u); err != nil {
		log.Printf("resend verification failed user_id=%s err=%v", u.ID, err)
	}
	return nil
}

func (s *Service) sendVerification(ctx context.Context, u models.User) error {
	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		return err
	}
	if _, err := s.st.CreateEmailVerificationToken(ctx, u.ID, hash, s.clock().Add(s.cfg.EmailVerificationTTL)); err != nil {
		return err
	}
	s.dispatch(ctx, notify.Message{Kind: notify.KindEmailVerification, To: u.Email, Name: u.FirstName, Token: raw})
	return nil
}

// dispatch hands a mail to the sender. Delivery failures are logged only;
// they never undo the state change that triggered the mail.
func (s *Service) dispatch(ctx context.Context, msg notify.Message) {
	if err := s.mail.Send(ctx, msg); err != nil {
		log.Printf("mail dispatch failed kind=%s err=%v", msg.Kind, err)
	}
}
