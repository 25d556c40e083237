package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL = 5 * time.Minute
	defaultLinkTTL   = 15 * time.Minute
	minSecretLen     = 32

	tokenUseAccess = "access"
	tokenUseLink   = "federation_link"
)

var (
	ErrInvalidAccessToken = errors.New("invalid access token")
	ErrInvalidLinkToken   = errors.New("invalid link token")
	ErrNoPublicKeys       = errors.New("signer has no publishable keys")
)

type SigningMode string

const (
	ModeSymmetric  SigningMode = "symmetric"
	ModeAsymmetric SigningMode = "asymmetric"
)

// SignerConfig selects the signing mode: a shared secret alone means HS256,
// a private/public PEM pair alone means RS256. Anything else is rejected.
type SignerConfig struct {
	Secret        string
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	LinkTTL       time.Duration
	Now           func() time.Time
}

// Signer issues and validates JWTs. It is built once at boot and is safe for
// concurrent use.
type Signer struct {
	mode      SigningMode
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	publicKey *rsa.PublicKey
	keyID     string
	issuer    string
	audience  string
	accessTTL time.Duration
	linkTTL   time.Duration
	now       func() time.Time
}

// Subject is the identity snapshot embedded into an access token.
type Subject struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
	Roles     []string
}

type AccessClaims struct {
	Email      string   `json:"email"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	TokenUse   string   `json:"token_use"`
	jwt.RegisteredClaims
}

// LinkClaims carries a verified external identity from the federation
// callback to registration. Subject holds the provider's subject id.
type LinkClaims struct {
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

func NewSigner(cfg SignerConfig) (*Signer, error) {
	secret := strings.TrimSpace(cfg.Secret)
	privPEM := strings.TrimSpace(cfg.PrivateKeyPEM)
	pubPEM := strings.TrimSpace(cfg.PublicKeyPEM)
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, errors.New("auth: issuer and audience are required")
	}

	s := &Signer{
		issuer:    issuer,
		audience:  audience,
		accessTTL: cfg.AccessTTL,
		linkTTL:   cfg.LinkTTL,
		now:       cfg.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = defaultAccessTTL
	}
	if s.linkTTL <= 0 {
		s.linkTTL = defaultLinkTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	hasKeys := privPEM != "" || pubPEM != ""
	switch {
	case secret != "" && hasKeys:
		return nil, errors.New("auth: configure either a signing secret or an RSA key pair, not both")
	case secret != "":
		if len(secret) < minSecretLen {
			return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLen)
		}
		s.mode = ModeSymmetric
		s.method = jwt.SigningMethodHS256
		s.signKey = []byte(secret)
		s.verifyKey = []byte(secret)
	case hasKeys:
		if privPEM == "" || pubPEM == "" {
			return nil, errors.New("auth: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
			return nil, errors.New("auth: public key does not match private key")
		}
		s.mode = ModeAsymmetric
		s.method = jwt.SigningMethodRS256
		s.signKey = priv
		s.verifyKey = pub
		s.publicKey = pub
		s.keyID = strings.TrimSpace(cfg.KeyID)
		if s.keyID == "" {
			s.keyID = deriveKeyID(pub)
		}
	default:
		return nil, errors.New("auth: no signing material configured")
	}
	return s, nil
}

func (s *Signer) Mode() SigningMode { return s.mode }

func (s *Signer) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccessToken returns the signed token and its lifetime in seconds.
func (s *Signer) IssueAccessToken(sub Subject) (string, int64, error) {
	now := s.now().UTC()
	name := strings.TrimSpace(sub.FirstName + " " + sub.LastName)
	claims := AccessClaims{
		Email:      sub.Email,
		Name:       name,
		GivenName:  sub.FirstName,
		FamilyName: sub.LastName,
		Roles:      sub.Roles,
		TokenUse:   tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sub.UserID,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(s.accessTTL / time.Second), nil
}

func (s *Signer) ValidateAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if claims.TokenUse != tokenUseAccess || claims.Subject == "" {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

func (s *Signer) IssueLinkToken(provider, subject, email string) (string, error) {
	if provider == "" || subject == "" {
		return "", errors.New("auth: link token needs provider and subject")
	}
	now := s.now().UTC()
	return s.sign(LinkClaims{
		Provider: provider,
		Email:    email,
		TokenUse: tokenUseLink,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.linkTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
}

func (s *Signer) ValidateLinkToken(raw string) (*LinkClaims, error) {
	claims := &LinkClaims{}
	if err := s.parse(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLinkToken, err)
	}
	if claims.TokenUse != tokenUseLink || claims.Subject == "" || claims.Provider == "" {
		return nil, ErrInvalidLinkToken
	}
	return claims, nil
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	return token.SignedString(s.signKey)
}

func (s *Signer) parse(raw string, claims jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if s.keyID != "" {
			if kid, _ := t.Header["kid"].(string); kid != s.keyID {
				return nil, errors.New("unknown kid")
			}
		}
		return s.verifyKey, nil
	})
	return err
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS renders the verification key as a JSON Web Key Set. Symmetric signers
// have nothing to publish and return ErrNoPublicKeys.
func (s *Signer) JWKS() ([]byte, error) {
	if s.publicKey == nil {
		return nil, ErrNoPublicKeys
	}
	key := jwk{
		Kty: "RSA",
		Use: "sig",
		Alg: s.method.Alg(),
		Kid: s.keyID,
		N:   base64.RawURLEncoding.EncodeToString(s.publicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.publicKey.E)).Bytes()),
	}
	return json.Marshal(map[string][]jwk{"keys": {key}})
}

func deriveKeyID(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
