package service

import (
	"context"
	"errors"
	"log"
	"strings"

	"clientportal/internal/audit"
	"clientportal/internal/models"
	"clientportal/internal/store"
)

type RegisterRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	// LinkToken is issued by a federation callback for an unknown identity.
	LinkToken string
}

// Register creates an account with the RegisteredUser role and sends the
// verification mail. With a valid LinkToken the provider identity is linked
// to the new account in the same insert.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (string, error) {
	email, err := validateEmail(req.Email)
	if err != nil {
		return "", err
	}
	if err := s.ValidatePassword(req.Password); err != nil {
		return "", err
	}
	first := strings.TrimSpace(req.FirstName)
	last := strings.TrimSpace(req.LastName)
	if len(first) > 100 || len(last) > 100 {
		return "", invalidRequest("name is too long")
	}

	u := models.User{
		Email:     email,
		FirstName: first,
		LastName:  last,
		IsActive:  true,
	}
	var linked models.ProviderKind
	if tok := strings.TrimSpace(req.LinkToken); tok != "" {
		claims, err := s.signer.ValidateLinkToken(tok)
		if err != nil {
			return "", invalidRequest("link token is not valid")
		}
		kind := models.ProviderKind(claims.Provider)
		switch kind {
		case models.ProviderGoogle:
			sub := claims.Subject
			u.GoogleID = &sub
			// Google only issues link tokens for verified addresses.
			if claims.Email != "" && store.NormalizeEmail(claims.Email) == email {
				u.EmailConfirmed = true
			}
		case models.ProviderDatev:
			sub := claims.Subject
			u.DatevID = &sub
		default:
			return "", invalidRequest("link token is not valid")
		}
		linked = kind
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return "", err
	}
	u.PasswordHash = hash

	created, err := s.st.CreateUser(ctx, u, models.RoleRegisteredUser)
	if errors.Is(err, store.ErrConflict) {
		return "", ErrConflict
	}
	if err != nil {
		return "", storageError("register create user", err)
	}

	s.audit.Record(ctx, models.AuditEntry{
		ActorID:    created.ID,
		Action:     audit.ActionRegistered,
		EntityType: "user",
		EntityID:   created.ID,
	})
	if linked != "" {
		s.audit.Record(ctx, models.AuditEntry{
			ActorID:    created.ID,
			Action:     audit.ActionProviderLinked,
			EntityType: "user",
			EntityID:   created.ID,
			Details:    "provider=" + string(linked),
		})
	}
	if !created.EmailConfirmed {
		if err := s.sendVerification(ctx, created); err != nil {
			log.Printf("verification token issue failed user_id=%s err=%v", created.ID, err)
		}
	}
	return created.ID, nil
}
