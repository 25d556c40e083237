package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"clientportal/internal/models"
)

const (
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	maxUserInfoBytes = 1 << 20
)

var (
	ErrStateNotFound      = errors.New("authorization state not found")
	ErrEmailNotVerified   = errors.New("provider email not verified")
	ErrIncompleteIdentity = errors.New("provider identity incomplete")
)

// Match says which attribute of an Identity is trusted to find the local
// account.
type Match int

const (
	ByEmail Match = iota + 1
	BySubject
)

func (m Match) String() string {
	switch m {
	case ByEmail:
		return "email"
	case BySubject:
		return "subject"
	default:
		return "unknown"
	}
}

// Identity is what a provider asserts about the signed-in user. Email is
// only set when the provider's email can be trusted for matching or prefill.
type Identity struct {
	Provider  models.ProviderKind
	Subject   string
	Email     string
	FirstName string
	LastName  string
}

type Provider interface {
	Kind() models.ProviderKind
	Match() Match
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (Identity, error)
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
	HTTPClient   *http.Client
}

type userInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

// OAuthProvider runs the authorization code flow with PKCE against one
// provider and reads the user from its userinfo endpoint.
type OAuthProvider struct {
	kind        models.ProviderKind
	match       Match
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	authParams  []oauth2.AuthCodeOption
	decode      func(userInfo) (Identity, error)
}

func NewGoogle(cfg OAuthConfig) *OAuthProvider {
	endpoint := endpoints.Google
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = GoogleUserInfoURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &OAuthProvider{
		kind:  models.ProviderGoogle,
		match: ByEmail,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		userInfoURL: userInfoURL,
		httpClient:  cfg.HTTPClient,
		authParams:  []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")},
		decode:      decodeGoogle,
	}
}

func NewDatev(cfg OAuthConfig) *OAuthProvider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile"}
	}
	return &OAuthProvider{
		kind:  models.ProviderDatev,
		match: BySubject,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			Scopes:       scopes,
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  cfg.HTTPClient,
		decode:      decodeDatev,
	}
}

func (p *OAuthProvider) Kind() models.ProviderKind { return p.kind }
func (p *OAuthProvider) Match() Match              { return p.match }

func (p *OAuthProvider) AuthCodeURL(state, verifier string) string {
	opts := append([]oauth2.AuthCodeOption{oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier)}, p.authParams...)
	return p.oauth.AuthCodeURL(state, opts...)
}

func (p *OAuthProvider) Exchange(ctx context.Context, code, verifier string) (Identity, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Identity{}, fmt.Errorf("%s token exchange: %w", p.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%s userinfo: %w", p.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxUserInfoBytes))
		return Identity{}, fmt.Errorf("%s userinfo: unexpected status %d", p.kind, resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&info); err != nil {
		return Identity{}, fmt.Errorf("%s userinfo: decode: %w", p.kind, err)
	}
	id, err := p.decode(info)
	if err != nil {
		return Identity{}, fmt.Errorf("%s: %w", p.kind, err)
	}
	id.Provider = p.kind
	return id, nil
}

func decodeGoogle(info userInfo) (Identity, error) {
	if strings.TrimSpace(info.Subject) == "" || strings.TrimSpace(info.Email) == "" {
		return Identity{}, ErrIncompleteIdentity
	}
	if !info.EmailVerified {
		return Identity{}, ErrEmailNotVerified
	}
	first, last := names(info)
	return Identity{
		Subject:   info.Subject,
		Email:     strings.ToLower(strings.TrimSpace(info.Email)),
		FirstName: first,
		LastName:  last,
	}, nil
}

// DATEV subjects are immutable; its email claim is not used.
func decodeDatev(info userInfo) (Identity, error) {
	if strings.TrimSpace(info.Subject) == "" {
		return Identity{}, ErrIncompleteIdentity
	}
	first, last := names(info)
	return Identity{Subject: info.Subject, FirstName: first, LastName: last}, nil
}

func names(info userInfo) (string, string) {
	first := strings.TrimSpace(info.GivenName)
	last := strings.TrimSpace(info.FamilyName)
	if first == "" && last == "" {
		parts := strings.Fields(info.Name)
		if len(parts) > 0 {
			first = parts[0]
			last = strings.Join(parts[1:], " ")
		}
	}
	return first, last
}
