package models

import "time"

type ProviderKind string

const (
	ProviderGoogle ProviderKind = "google"
	ProviderDatev  ProviderKind = "datev"
)

func (k ProviderKind) Valid() bool {
	return k == ProviderGoogle || k == ProviderDatev
}

const (
	RoleRegisteredUser = "RegisteredUser"
	RoleClient         = "Client"
	RoleAccountant     = "Accountant"
	RoleAdministrator  = "Administrator"
)

type User struct {
	ID                  string
	Email               string
	PasswordHash        string
	FirstName           string
	LastName            string
	IsActive            bool
	DeletedAt           *time.Time
	EmailConfirmed      bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	GoogleID            *string
	DatevID             *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ProviderSubject returns the linked subject id for kind, or "" when the slot is empty.
func (u User) ProviderSubject(kind ProviderKind) string {
	var p *string
	switch kind {
	case ProviderGoogle:
		p = u.GoogleID
	case ProviderDatev:
		p = u.DatevID
	}
	if p == nil {
		return ""
	}
	return *p
}

func (u User) LinkedProviders() []ProviderKind {
	out := []ProviderKind{}
	for _, k := range []ProviderKind{ProviderGoogle, ProviderDatev} {
		if u.ProviderSubject(k) != "" {
			out = append(out, k)
		}
	}
	return out
}

type Role struct {
	ID       int64
	Name     string
	IsSystem bool
}

type RefreshToken struct {
	ID            string
	UserID        string
	TokenHash     string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	CreatedByIP   string
	RevokedAt     *time.Time
	RevokedReason string
	ReplacedByID  *string
}

func (t RefreshToken) Revoked() bool { return t.RevokedAt != nil }

func (t RefreshToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// Rotated reports whether the token was revoked by rotation, i.e. it has a successor.
func (t RefreshToken) Rotated() bool { return t.ReplacedByID != nil && *t.ReplacedByID != "" }

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type EmailVerificationToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type AuditEntry struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
