package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env        string
	ListenAddr string

	FrontendBaseURL string
	PublicBaseURL   string

	DBDriver          string
	DBDSN             string
	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	MigrationsDir     string

	JWTIssuer        string
	JWTAudience      string
	JWTSecret        string
	JWTPrivateKeyPEM string
	JWTPublicKeyPEM  string
	JWTKeyID         string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	LinkTokenTTL     time.Duration

	PasswordMinLength int
	PasswordMaxLength int

	LockoutThreshold int
	LockoutDuration  time.Duration

	PasswordResetTTL     time.Duration
	EmailVerificationTTL time.Duration

	MailSender      string
	MailFrom        string
	MailQueueSize   int
	MailWorkers     int
	MailSendTimeout time.Duration
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPTLS         bool
	SMTPStartTLS    bool
	AMQPURL         string
	AMQPQueue       string

	GoogleClientID     string
	GoogleClientSecret string

	DatevClientID     string
	DatevClientSecret string
	DatevAuthURL      string
	DatevTokenURL     string
	DatevUserInfoURL  string
	DatevScopes       []string

	FederationDevSimulation bool
	OAuthStateTTL           time.Duration
	RedisURL                string

	TrustProxy         bool
	CORSAllowedOrigins []string
	MetricsEnabled     bool

	AuthRateLimit  int
	AuthRateWindow time.Duration

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
	ShutdownTimeout          time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory, or the one named by ENV_FILE, is applied first without
// overriding variables that are already set.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	privPEM, err := envPEM("JWT_PRIVATE_KEY", "JWT_PRIVATE_KEY_FILE")
	if err != nil {
		return Config{}, err
	}
	pubPEM, err := envPEM("JWT_PUBLIC_KEY", "JWT_PUBLIC_KEY_FILE")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Env:                      strings.ToLower(env("APP_ENV", "development")),
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		FrontendBaseURL:          strings.TrimRight(env("FRONTEND_BASE_URL", "http://localhost:3000"), "/"),
		PublicBaseURL:            strings.TrimRight(env("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		DBDriver:                 strings.ToLower(env("DB_DRIVER", "sqlite")),
		DBDSN:                    env("DB_DSN", ""),
		DBPath:                   env("APP_DB_PATH", "./data/portal.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		MigrationsDir:            env("MIGRATIONS_DIR", "migrations"),
		JWTIssuer:                env("JWT_ISSUER", "client-portal"),
		JWTAudience:              env("JWT_AUDIENCE", "client-portal-web"),
		JWTSecret:                env("JWT_SECRET", ""),
		JWTPrivateKeyPEM:         privPEM,
		JWTPublicKeyPEM:          pubPEM,
		JWTKeyID:                 env("JWT_KEY_ID", ""),
		AccessTokenTTL:           time.Duration(envInt("ACCESS_TOKEN_MINUTES", 5)) * time.Minute,
		RefreshTokenTTL:          time.Duration(envInt("REFRESH_TOKEN_DAYS", 7)) * 24 * time.Hour,
		LinkTokenTTL:             time.Duration(envInt("LINK_TOKEN_MINUTES", 15)) * time.Minute,
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", 8),
		PasswordMaxLength:        envInt("PASSWORD_MAX_LENGTH", 128),
		LockoutThreshold:         envInt("LOCKOUT_THRESHOLD", 5),
		LockoutDuration:          time.Duration(envInt("LOCKOUT_MINUTES", 30)) * time.Minute,
		PasswordResetTTL:         time.Duration(envInt("PASSWORD_RESET_TTL_MINUTES", 60)) * time.Minute,
		EmailVerificationTTL:     time.Duration(envInt("EMAIL_VERIFICATION_TTL_HOURS", 24)) * time.Hour,
		MailSender:               strings.ToLower(env("MAIL_SENDER", "log")),
		MailFrom:                 env("MAIL_FROM", "portal@example.com"),
		MailQueueSize:            envInt("MAIL_QUEUE_SIZE", 256),
		MailWorkers:              envInt("MAIL_WORKERS", 2),
		MailSendTimeout:          time.Duration(envInt("MAIL_SEND_TIMEOUT_SEC", 15)) * time.Second,
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPUsername:             env("SMTP_USERNAME", ""),
		SMTPPassword:             env("SMTP_PASSWORD", ""),
		SMTPTLS:                  envBool("SMTP_TLS", false),
		SMTPStartTLS:             envBool("SMTP_STARTTLS", true),
		AMQPURL:                  env("AMQP_URL", ""),
		AMQPQueue:                env("AMQP_MAIL_QUEUE", "portal.mail"),
		GoogleClientID:           env("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:       env("GOOGLE_CLIENT_SECRET", ""),
		DatevClientID:            env("DATEV_CLIENT_ID", ""),
		DatevClientSecret:        env("DATEV_CLIENT_SECRET", ""),
		DatevAuthURL:             env("DATEV_AUTH_URL", "https://login.datev.de/openid/authorize"),
		DatevTokenURL:            env("DATEV_TOKEN_URL", "https://api.datev.de/token"),
		DatevUserInfoURL:         env("DATEV_USERINFO_URL", "https://api.datev.de/userinfo"),
		DatevScopes:              envCSVDefault("DATEV_SCOPES", []string{"openid", "profile"}),
		FederationDevSimulation:  envBool("FEDERATION_DEV_SIMULATION", false),
		OAuthStateTTL:            time.Duration(envInt("OAUTH_STATE_TTL_MINUTES", 10)) * time.Minute,
		RedisURL:                 env("REDIS_URL", ""),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		MetricsEnabled:           envBool("METRICS_ENABLED", true),
		AuthRateLimit:            envInt("AUTH_RATE_LIMIT", 20),
		AuthRateWindow:           time.Duration(envInt("AUTH_RATE_WINDOW_SEC", 60)) * time.Second,
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		ShutdownTimeout:          time.Duration(envInt("SHUTDOWN_TIMEOUT_SEC", 15)) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Env {
	case "development", "test", "production":
	default:
		return fmt.Errorf("APP_ENV must be one of: development, test, production")
	}
	switch c.DBDriver {
	case "sqlite":
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("APP_DB_PATH is required for the sqlite driver")
		}
	case "pgx", "mysql":
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("DB_DSN is required for the %s driver", c.DBDriver)
		}
	default:
		return fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	if c.DBMaxOpenConns <= 0 || c.DBMaxIdleConns < 0 {
		return fmt.Errorf("invalid DB pool config")
	}

	if _, err := c.SigningMode(); err != nil {
		return err
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if strings.TrimSpace(c.JWTIssuer) == "" || strings.TrimSpace(c.JWTAudience) == "" {
		return fmt.Errorf("JWT_ISSUER and JWT_AUDIENCE are required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.LinkTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.PasswordResetTTL <= 0 || c.EmailVerificationTTL <= 0 {
		return fmt.Errorf("recovery token lifetimes must be positive")
	}
	if c.PasswordMinLength < 8 {
		return fmt.Errorf("password min length must be >= 8")
	}
	if c.PasswordMaxLength < c.PasswordMinLength {
		return fmt.Errorf("password max length must be >= min length")
	}
	if c.LockoutThreshold <= 0 || c.LockoutDuration <= 0 {
		return fmt.Errorf("lockout threshold and duration must be positive")
	}

	switch c.MailSender {
	case "log":
	case "smtp":
		if strings.TrimSpace(c.SMTPHost) == "" || c.SMTPPort <= 0 {
			return fmt.Errorf("SMTP_HOST and SMTP_PORT are required when MAIL_SENDER=smtp")
		}
	case "amqp":
		if strings.TrimSpace(c.AMQPURL) == "" {
			return fmt.Errorf("AMQP_URL is required when MAIL_SENDER=amqp")
		}
	default:
		return fmt.Errorf("MAIL_SENDER must be one of: log, smtp, amqp")
	}
	if c.MailQueueSize <= 0 || c.MailWorkers <= 0 {
		return fmt.Errorf("mail queue size and worker count must be positive")
	}

	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	if (c.DatevClientID == "") != (c.DatevClientSecret == "") {
		return fmt.Errorf("DATEV_CLIENT_ID and DATEV_CLIENT_SECRET must be set together")
	}
	if c.FederationDevSimulation && c.IsProduction() {
		return fmt.Errorf("FEDERATION_DEV_SIMULATION is not allowed when APP_ENV=production")
	}
	if c.OAuthStateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL_MINUTES must be positive")
	}
	if c.AuthRateLimit < 0 || (c.AuthRateLimit > 0 && c.AuthRateWindow <= 0) {
		return fmt.Errorf("AUTH_RATE_LIMIT must be >= 0 with a positive AUTH_RATE_WINDOW_SEC")
	}
	return nil
}

// SigningMode reports which JWT mode the key material selects. A secret and a
// key pair are mutually exclusive; a key pair must be complete.
func (c Config) SigningMode() (string, error) {
	hasSecret := strings.TrimSpace(c.JWTSecret) != ""
	hasPriv := strings.TrimSpace(c.JWTPrivateKeyPEM) != ""
	hasPub := strings.TrimSpace(c.JWTPublicKeyPEM) != ""
	switch {
	case hasSecret && (hasPriv || hasPub):
		return "", fmt.Errorf("JWT_SECRET and JWT_PRIVATE_KEY/JWT_PUBLIC_KEY are mutually exclusive")
	case hasPriv != hasPub:
		return "", fmt.Errorf("asymmetric signing requires both JWT_PRIVATE_KEY and JWT_PUBLIC_KEY")
	case hasPriv:
		return "asymmetric", nil
	case hasSecret:
		return "symmetric", nil
	default:
		return "", fmt.Errorf("JWT_SECRET or JWT_PRIVATE_KEY/JWT_PUBLIC_KEY must be set")
	}
}

func (c Config) IsProduction() bool { return c.Env == "production" }

func (c Config) GoogleEnabled() bool { return c.GoogleClientID != "" && c.GoogleClientSecret != "" }

func (c Config) DatevEnabled() bool { return c.DatevClientID != "" && c.DatevClientSecret != "" }

// OAuthCallbackURL is the redirect URI registered with a provider.
func (c Config) OAuthCallbackURL(provider string) string {
	return fmt.Sprintf("%s/auth/%s/callback", c.PublicBaseURL, provider)
}

func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func envPEM(inlineKey, fileKey string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(inlineKey)); v != "" {
		return strings.ReplaceAll(v, `\n`, "\n"), nil
	}
	path := strings.TrimSpace(os.Getenv(fileKey))
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", fileKey, err)
	}
	return string(b), nil
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envCSVDefault(k string, d []string) []string {
	if v := envCSV(k); len(v) > 0 {
		return v
	}
	return d
}
