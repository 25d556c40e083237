package service

import (
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"clientportal/internal/audit"
	"clientportal/internal/auth"
	"clientportal/internal/config"
	"clientportal/internal/notify"
	"clientportal/internal/obs"
	"clientportal/internal/store"
)

// Service implements the credential, session and recovery flows on top of the
// store. It holds no per-request state.
type Service struct {
	cfg     config.Config
	st      *store.Store
	hasher  *auth.Hasher
	signer  *auth.Signer
	mail    notify.Sender
	audit   *audit.Recorder
	metrics *obs.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditRecorder(r *audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

func New(cfg config.Config, st *store.Store, hasher *auth.Hasher, signer *auth.Signer, sender notify.Sender, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		st:     st,
		hasher: hasher,
		signer: signer,
		mail:   sender,
		audit:  audit.NewRecorder(st),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mail == nil {
		s.mail = notify.NewLogSender(notify.NewComposer(cfg.FrontendBaseURL))
	}
	return s
}

func (s *Service) Signer() *auth.Signer { return s.signer }
func (s *Service) Store() *store.Store  { return s.st }

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) ValidatePassword(pw string) error {
	if strings.TrimSpace(pw) == "" {
		return invalidRequest("password is required")
	}
	if len(pw) < s.cfg.PasswordMinLength {
		return invalidRequest(fmt.Sprintf("password must be at least %d characters", s.cfg.PasswordMinLength))
	}
	if len(pw) > s.cfg.PasswordMaxLength {
		return invalidRequest(fmt.Sprintf("password must be at most %d characters", s.cfg.PasswordMaxLength))
	}
	classes := 0
	if strings.IndexFunc(pw, func(r rune) bool { return r >= 'a' && r <= 'z' }) >= 0 {
		classes++
	}
	if strings.IndexFunc(pw, func(r rune) bool { return r >= 'A' && r <= 'Z' }) >= 0 {
		classes++
	}
	if strings.IndexFunc(pw, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
		classes++
	}
	if strings.IndexFunc(pw, func(r rune) bool {
		return (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126)
	}) >= 0 {
		classes++
	}
	if classes < 3 {
		return invalidRequest("password must include at least 3 character classes (lower/upper/number/symbol)")
	}
	return nil
}

func validateEmail(email string) (string, error) {
	email = store.NormalizeEmail(email)
	if email == "" {
		return "", invalidRequest("email is required")
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", invalidRequest("email is not valid")
	}
	return email, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
