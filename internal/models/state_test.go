package models

import (
	"testing"
	"time"
)

func TestUserStateLockHoldsUntilStrictlyPastExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Minute)
	u := User{IsActive: true, LockedUntil: &until}

	if st := u.State(now); st.Kind != StateLocked || !st.Until.Equal(until) {
		t.Fatalf("expected locked until %s, got %+v", until, st)
	}
	if st := u.State(until); st.Kind != StateLocked {
		t.Fatalf("expected lock to hold at the expiry instant, got %s", st.Kind)
	}
	if u.LockExpired(until) {
		t.Fatalf("lock must not count as expired at the expiry instant")
	}
	if st := u.State(until.Add(time.Nanosecond)); st.Kind != StateActive {
		t.Fatalf("expected lock to lapse once expiry is in the past, got %s", st.Kind)
	}
	if !u.LockExpired(until.Add(time.Nanosecond)) {
		t.Fatalf("expected LockExpired after expiry")
	}
}

func TestUserStateInactiveWinsOverLock(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(time.Hour)
	deleted := now.Add(-time.Hour)

	cases := []User{
		{IsActive: false, LockedUntil: &until},
		{IsActive: true, DeletedAt: &deleted, LockedUntil: &until},
	}
	for i, u := range cases {
		if st := u.State(now); st.Kind != StateInactive {
			t.Fatalf("case %d: expected inactive, got %s", i, st.Kind)
		}
	}
}

func TestUserProviderSubject(t *testing.T) {
	gid := "google-sub"
	u := User{GoogleID: &gid}
	if got := u.ProviderSubject(ProviderGoogle); got != gid {
		t.Fatalf("expected google subject, got %q", got)
	}
	if got := u.ProviderSubject(ProviderDatev); got != "" {
		t.Fatalf("expected empty datev slot, got %q", got)
	}
	if got := u.LinkedProviders(); len(got) != 1 || got[0] != ProviderGoogle {
		t.Fatalf("unexpected linked providers: %v", got)
	}
}
