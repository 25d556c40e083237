package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"clientportal/internal/federation"
	"clientportal/internal/models"
	"clientportal/internal/service"
)

// newDatevIDP serves the token and userinfo endpoints of an identity
// provider that accepts the code "good-code" for the given subject.
func newDatevIDP(t *testing.T, subject string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") != "good-code" || r.Form.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":         subject,
			"email":       "untrusted@example.com",
			"given_name":  "Max",
			"family_name": "Mustermann",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFederationEnv(t *testing.T, subject string) *testEnv {
	t.Helper()
	idp := newDatevIDP(t, subject)
	cfg := testConfig()
	return newEnv(t, cfg, func(svc *service.Service) Deps {
		p := federation.NewDatev(federation.OAuthConfig{
			ClientID:     "portal",
			ClientSecret: "secret",
			RedirectURL:  cfg.PublicBaseURL + "/auth/datev/callback",
			AuthURL:      idp.URL + "/authorize",
			TokenURL:     idp.URL + "/token",
			UserInfoURL:  idp.URL + "/userinfo",
			HTTPClient:   idp.Client(),
		})
		return Deps{Federation: service.NewRegistry(svc.NewFederationBroker(p, federation.NewMemoryStateStore()))}
	})
}

func redirectTarget(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	u, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	return u
}

func (e *testEnv) startDatev(t *testing.T) string {
	t.Helper()
	u := redirectTarget(t, e.do(t, http.MethodGet, "/auth/datev/login", nil, nil))
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("state") == "" {
		t.Fatalf("expected PKCE authorization redirect, got %s", u)
	}
	return q.Get("state")
}

func TestDatevCallbackForNewUserRedirectsToRegistration(t *testing.T) {
	env := newFederationEnv(t, "datev-42")
	state := env.startDatev(t)

	u := redirectTarget(t, env.do(t, http.MethodGet, "/auth/datev/callback?code=good-code&state="+url.QueryEscape(state), nil, nil))
	q := u.Query()
	if u.Path != "/register" || q.Get("source") != "datev" || q.Get("firstName") != "Max" || q.Get("lastName") != "Mustermann" {
		t.Fatalf("unexpected registration redirect: %s", u)
	}
	if q.Has("email") {
		t.Fatalf("datev email must not be prefilled: %s", u)
	}

	rec := env.do(t, http.MethodPost, "/auth/register", registerRequest{
		Email: "max@example.com", Password: testPassword, FirstName: "Max", LastName: "Mustermann", LinkToken: q.Get("linkToken"),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("register with link: %d %s", rec.Code, rec.Body.String())
	}

	state = env.startDatev(t)
	u = redirectTarget(t, env.do(t, http.MethodGet, "/auth/datev/callback?code=good-code&state="+url.QueryEscape(state), nil, nil))
	if u.Path != "/oauth-success" || u.Query().Get("accessToken") == "" || u.Query().Get("refreshToken") == "" || u.Query().Get("expiresIn") != "300" {
		t.Fatalf("expected session for linked user, got %s", u)
	}
}

func TestDatevCallbackForExistingUser(t *testing.T) {
	env := newFederationEnv(t, "datev-7")
	subject := "datev-7"
	env.createUser(t, "kanzlei@example.com", func(u *models.User) { u.DatevID = &subject })

	state := env.startDatev(t)
	u := redirectTarget(t, env.do(t, http.MethodGet, "/auth/datev/callback?code=good-code&state="+url.QueryEscape(state), nil, nil))
	if u.Path != "/oauth-success" {
		t.Fatalf("expected oauth-success, got %s", u)
	}
	rec := env.do(t, http.MethodGet, "/auth/me", nil, map[string]string{"Authorization": "Bearer " + u.Query().Get("accessToken")})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "kanzlei@example.com") {
		t.Fatalf("access token from callback should work: %d %s", rec.Code, rec.Body.String())
	}

	// state is single use
	u = redirectTarget(t, env.do(t, http.MethodGet, "/auth/datev/callback?code=good-code&state="+url.QueryEscape(state), nil, nil))
	if u.Path != "/login" || u.Query().Get("error") != "invalid_state" {
		t.Fatalf("expected invalid_state on replay, got %s", u)
	}
}

func TestDatevCallbackForLockedUser(t *testing.T) {
	env := newFederationEnv(t, "datev-8")
	subject := "datev-8"
	env.createUser(t, "gesperrt@example.com", func(u *models.User) { u.DatevID = &subject })
	for i := 0; i < 5; i++ {
		env.do(t, http.MethodPost, "/auth/login", loginRequest{Email: "gesperrt@example.com", Password: "wrong"}, nil)
	}

	state := env.startDatev(t)
	u := redirectTarget(t, env.do(t, http.MethodGet, "/auth/datev/callback?code=good-code&state="+url.QueryEscape(state), nil, nil))
	if u.Path != "/login" || u.Query().Get("error") != "account_locked" {
		t.Fatalf("expected login?error=account_locked, got %s", u)
	}
	expectError(t, env.do(t, http.MethodPost, "/auth/login", loginRequest{Email: "gesperrt@example.com", Password: testPassword}, nil), http.StatusUnauthorized, "account_locked")
}

func TestFederatedCallbackErrors(t *testing.T) {
	env := newFederationEnv(t, "datev-9")

	cases := []struct {
		name  string
		query func() string
		want  string
	}{
		{"denied", func() string { return "error=access_denied&state=x" }, "oauth_denied"},
		{"unknown state", func() string { return "code=good-code&state=nope" }, "invalid_state"},
		{"bad code", func() string { return "code=bad&state=" + url.QueryEscape(env.startDatev(t)) }, "provider_error"},
	}
	for _, tc := range cases {
		u := redirectTarget(t, env.do(t, http.MethodGet, "/auth/datev/callback?"+tc.query(), nil, nil))
		if u.Path != "/login" || u.Query().Get("error") != tc.want {
			t.Fatalf("%s: expected login?error=%s, got %s", tc.name, tc.want, u)
		}
	}
}

func TestAbsentProvider(t *testing.T) {
	env := newEnv(t, testConfig(), nil)
	u := redirectTarget(t, env.do(t, http.MethodGet, "/auth/google/login", nil, nil))
	if u.Path != "/login" || u.Query().Get("error") != "provider_unavailable" {
		t.Fatalf("expected provider_unavailable, got %s", u)
	}
	u = redirectTarget(t, env.do(t, http.MethodGet, "/auth/google/callback?code=x&state=y", nil, nil))
	if u.Query().Get("error") != "provider_unavailable" {
		t.Fatalf("callback for absent provider should not fabricate a session: %s", u)
	}
	expectError(t, env.do(t, http.MethodGet, "/auth/github/login", nil, nil), http.StatusNotFound, "not_found")

	cfg := testConfig()
	cfg.FederationDevSimulation = true
	env = newEnv(t, cfg, nil)
	u = redirectTarget(t, env.do(t, http.MethodGet, "/auth/google/login", nil, nil))
	if u.Path != "/oauth-simulation" || u.Query().Get("simulated") != "true" || u.Query().Get("provider") != "google" {
		t.Fatalf("expected labelled simulation redirect, got %s", u)
	}
}
