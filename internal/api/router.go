package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"clientportal/internal/auth"
	"clientportal/internal/config"
	"clientportal/internal/middleware"
	"clientportal/internal/obs"
	"clientportal/internal/rate"
	"clientportal/internal/service"
	"clientportal/internal/util"
	"clientportal/internal/version"
)

const (
	forgotPasswordMessage = "If an account exists for this email, a password reset link has been sent."
	resendMessage         = "If this email belongs to an unconfirmed account, a new confirmation link has been sent."
)

// ReadinessCheck is one dependency probed by /health/ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the optional collaborators of the router. Zero values disable the
// corresponding feature.
type Deps struct {
	Federation *service.Registry
	Limiter    rate.Limiter
	Metrics    *obs.Metrics
	Readiness  []ReadinessCheck
}

type Handlers struct {
	cfg        config.Config
	svc        *service.Service
	federation *service.Registry
	readiness  []ReadinessCheck
}

func NewRouter(cfg config.Config, svc *service.Service, deps Deps) http.Handler {
	h := &Handlers{
		cfg:        cfg,
		svc:        svc,
		federation: deps.Federation,
		readiness:  deps.Readiness,
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestContext(cfg.TrustProxy))
	r.Use(middleware.RequestLogger(cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if cfg.MetricsEnabled {
		r.Use(deps.Metrics.Instrument)
	}
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	limit := func(route string) func(http.Handler) http.Handler {
		return middleware.RateLimit(deps.Limiter, route, cfg.AuthRateLimit, cfg.AuthRateWindow, cfg.TrustProxy)
	}

	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	r.Get("/.well-known/jwks.json", h.JWKS)
	if cfg.MetricsEnabled && deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(limit("register")).Post("/register", h.Register)
		r.With(limit("login")).Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.With(limit("forgot_password")).Post("/forgot-password", h.ForgotPassword)
		r.Post("/reset-password", h.ResetPassword)
		r.Post("/verify-email", h.VerifyEmail)
		r.With(limit("resend_verification")).Post("/resend-verification", h.ResendVerification)
		r.With(middleware.Authn(svc.Signer())).Get("/me", h.Me)

		r.Get("/{provider}/login", h.FederatedLogin)
		r.Get("/{provider}/callback", h.FederatedCallback)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusNotFound, "not_found", "not found", middleware.RequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", middleware.RequestID(r.Context()))
	})
	return r
}

func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Current()})
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	comps := map[string]any{}
	ok := true
	checks := append([]ReadinessCheck{{Name: "database", Check: h.svc.Store().Ping}}, h.readiness...)
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			log.Printf("readiness check failed component=%s err=%v", c.Name, err)
			comps[c.Name] = map[string]any{"ok": false}
			ok = false
			continue
		}
		comps[c.Name] = map[string]any{"ok": true}
	}
	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": comps,
	}
	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, http.StatusOK, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, http.StatusServiceUnavailable, ready)
}

func (h *Handlers) JWKS(w http.ResponseWriter, r *http.Request) {
	body, err := h.svc.Signer().JWKS()
	if errors.Is(err, auth.ErrNoPublicKeys) {
		util.WriteError(w, http.StatusNotFound, "not_found", "no public signing keys", middleware.RequestID(r.Context()))
		return
	}
	if err != nil {
		log.Printf("jwks render failed err=%v", err)
		util.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error", middleware.RequestID(r.Context()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	LinkToken string `json:"linkToken"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.svc.Register(r.Context(), service.RegisterRequest{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		LinkToken: req.LinkToken,
	})
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusBadRequest)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Registration successful. Please check your email to confirm your address.",
		"userId":  id,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusUnauthorized)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusUnauthorized)
		return
	}
	util.WriteJSON(w, http.StatusOK, pair)
}

// Logout answers 200 whatever the body holds.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := util.DecodeJSON(w, r, &req); err == nil && req.RefreshToken != "" {
		if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
			log.Printf("logout failed request_id=%s err=%v", middleware.RequestID(r.Context()), err)
		}
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"message": "Logged out."})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.Claims(r.Context())
	info, err := h.svc.CurrentUser(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusUnauthorized)
		return
	}
	util.WriteJSON(w, http.StatusOK, info)
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *Handlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		log.Printf("password reset request failed request_id=%s err=%v", middleware.RequestID(r.Context()), err)
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"message": forgotPasswordMessage})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.writeServiceError(w, r, err, http.StatusBadRequest)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset. Please sign in again."})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (h *Handlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		h.writeServiceError(w, r, err, http.StatusBadRequest)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"message": "Email address confirmed."})
}

func (h *Handlers) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResendVerification(r.Context(), req.Email); err != nil {
		log.Printf("resend verification failed request_id=%s err=%v", middleware.RequestID(r.Context()), err)
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"message": resendMessage})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := util.DecodeJSON(w, r, dst); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid json", middleware.RequestID(r.Context()))
		return false
	}
	return true
}

// writeServiceError maps service sentinels to the error envelope. Token
// failures answer tokenStatus: 401 on the session endpoints, 400 on the
// one-time token endpoints.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, tokenStatus int) {
	rid := middleware.RequestID(r.Context())
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		util.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password", rid)
	case errors.Is(err, service.ErrAccountLocked):
		util.WriteError(w, http.StatusUnauthorized, "account_locked", "account is temporarily locked", rid)
	case errors.Is(err, service.ErrAccountInactive):
		util.WriteError(w, http.StatusUnauthorized, "account_inactive", "account is inactive", rid)
	case errors.Is(err, service.ErrInvalidToken):
		util.WriteError(w, tokenStatus, "invalid_token", "token is invalid or expired", rid)
	case errors.Is(err, service.ErrTokenExpired):
		util.WriteError(w, tokenStatus, "token_expired", "token has expired", rid)
	case errors.Is(err, service.ErrTokenRevoked):
		util.WriteError(w, tokenStatus, "token_revoked", "token has been revoked", rid)
	case errors.Is(err, service.ErrInvalidRequest):
		util.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), rid)
	case errors.Is(err, service.ErrConflict):
		util.WriteError(w, http.StatusConflict, "conflict", "an account with this email already exists", rid)
	default:
		if !errors.Is(err, service.ErrStorage) {
			log.Printf("unhandled service error request_id=%s err=%v", rid, err)
		}
		util.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error", rid)
	}
}
