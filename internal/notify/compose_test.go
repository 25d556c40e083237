package notify

import (
	"strings"
	"testing"
)

func TestComposeBuildsFrontendLinks(t *testing.T) {
	c := NewComposer("https://portal.example.com/")

	reset, err := c.Compose(Message{Kind: KindPasswordReset, To: "anna@example.com", Name: "Anna", Token: "a+b/c"})
	if err != nil {
		t.Fatalf("compose reset: %v", err)
	}
	if reset.Link != "https://portal.example.com/reset-password?token=a%2Bb%2Fc" {
		t.Fatalf("unexpected reset link %q", reset.Link)
	}
	if !strings.Contains(reset.Body, reset.Link) || !strings.HasPrefix(reset.Body, "Hello Anna,") {
		t.Fatalf("unexpected reset body %q", reset.Body)
	}

	verify, err := c.Compose(Message{Kind: KindEmailVerification, To: "anna@example.com", Token: "tok"})
	if err != nil {
		t.Fatalf("compose verification: %v", err)
	}
	if verify.Link != "https://portal.example.com/verify-email?token=tok" {
		t.Fatalf("unexpected verification link %q", verify.Link)
	}
}

func TestComposeAccountNotFoundCarriesNoToken(t *testing.T) {
	c := NewComposer("https://portal.example.com")
	out, err := c.Compose(Message{Kind: KindAccountNotFound, To: "ghost@example.com"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if strings.Contains(out.Link, "token=") {
		t.Fatalf("account-not-found mail must not carry a token: %q", out.Link)
	}
}

func TestComposeAccountInactiveHasNoLink(t *testing.T) {
	c := NewComposer("https://portal.example.com")
	out, err := c.Compose(Message{Kind: KindAccountInactive, To: "off@example.com", Name: "Olaf"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if out.Link != "" || !strings.HasPrefix(out.Body, "Hello Olaf,") || !strings.Contains(out.Body, "deactivated") {
		t.Fatalf("unexpected inactive-account mail: %+v", out)
	}
}

func TestComposeRejectsIncompleteMessages(t *testing.T) {
	c := NewComposer("https://portal.example.com")
	cases := []Message{
		{Kind: KindPasswordReset, To: "a@example.com"},
		{Kind: KindEmailVerification, To: "a@example.com"},
		{Kind: KindWelcome},
		{Kind: Kind("newsletter"), To: "a@example.com"},
	}
	for _, msg := range cases {
		if _, err := c.Compose(msg); err == nil {
			t.Fatalf("expected error for %+v", msg)
		}
	}
}
