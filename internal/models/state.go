package models

import "time"

// AccountStateKind is the lifecycle position of a credential.
type AccountStateKind int

const (
	StateActive AccountStateKind = iota
	StateLocked
	StateInactive
)

func (k AccountStateKind) String() string {
	switch k {
	case StateActive:
		return "active"
	case StateLocked:
		return "locked"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// AccountState is derived from a User at a given instant. Until is only set
// for StateLocked.
type AccountState struct {
	Kind  AccountStateKind
	Until time.Time
}

// State computes the account state at now. Deactivation and soft deletion take
// precedence over a lock. A lock holds through its expiry instant and lapses
// once the expiry is strictly in the past.
func (u User) State(now time.Time) AccountState {
	if !u.IsActive || u.DeletedAt != nil {
		return AccountState{Kind: StateInactive}
	}
	if u.LockedUntil != nil && !u.LockedUntil.Before(now) {
		return AccountState{Kind: StateLocked, Until: *u.LockedUntil}
	}
	return AccountState{Kind: StateActive}
}

// LockExpired reports whether the user carries a lock marker that has run out.
func (u User) LockExpired(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.Before(now)
}
