package api

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"clientportal/internal/middleware"
	"clientportal/internal/models"
	"clientportal/internal/service"
	"clientportal/internal/util"
)

func (h *Handlers) providerParam(w http.ResponseWriter, r *http.Request) (models.ProviderKind, bool) {
	kind := models.ProviderKind(chi.URLParam(r, "provider"))
	if !kind.Valid() {
		util.WriteError(w, http.StatusNotFound, "not_found", "unknown provider", middleware.RequestID(r.Context()))
		return "", false
	}
	return kind, true
}

func (h *Handlers) FederatedLogin(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.providerParam(w, r)
	if !ok {
		return
	}
	broker, ok := h.federation.Lookup(kind)
	if !ok {
		if h.cfg.FederationDevSimulation {
			log.Printf("federation simulated provider=%s request_id=%s", kind, middleware.RequestID(r.Context()))
			h.redirectFrontend(w, r, "/oauth-simulation", url.Values{
				"provider":  {string(kind)},
				"simulated": {"true"},
			})
			return
		}
		h.loginError(w, r, "provider_unavailable")
		return
	}
	target, err := broker.BeginAuthorization(r.Context())
	if err != nil {
		log.Printf("federation begin failed provider=%s request_id=%s err=%v", kind, middleware.RequestID(r.Context()), err)
		h.loginError(w, r, "provider_error")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handlers) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.providerParam(w, r)
	if !ok {
		return
	}
	broker, ok := h.federation.Lookup(kind)
	if !ok {
		h.loginError(w, r, "provider_unavailable")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Printf("federation denied provider=%s error=%s request_id=%s", kind, e, middleware.RequestID(r.Context()))
		h.loginError(w, r, "oauth_denied")
		return
	}

	res, err := broker.CompleteAuthorization(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidState):
			h.loginError(w, r, "invalid_state")
		case errors.Is(err, service.ErrAccountInactive):
			h.loginError(w, r, "account_inactive")
		case errors.Is(err, service.ErrAccountLocked):
			h.loginError(w, r, "account_locked")
		case errors.Is(err, service.ErrProvider):
			h.loginError(w, r, "provider_error")
		default:
			h.loginError(w, r, "server_error")
		}
		return
	}

	switch v := res.(type) {
	case service.ExistingUser:
		h.redirectFrontend(w, r, "/oauth-success", url.Values{
			"accessToken":  {v.Login.AccessToken},
			"refreshToken": {v.Login.RefreshToken},
			"expiresIn":    {strconv.FormatInt(v.Login.ExpiresIn, 10)},
		})
	case service.NewUser:
		q := url.Values{
			"source":    {string(v.Provider)},
			"linkToken": {v.LinkToken},
		}
		if v.Prefill.Email != "" {
			q.Set("email", v.Prefill.Email)
		}
		if v.Prefill.FirstName != "" {
			q.Set("firstName", v.Prefill.FirstName)
		}
		if v.Prefill.LastName != "" {
			q.Set("lastName", v.Prefill.LastName)
		}
		h.redirectFrontend(w, r, "/register", q)
	default:
		h.loginError(w, r, "server_error")
	}
}

func (h *Handlers) loginError(w http.ResponseWriter, r *http.Request, code string) {
	h.redirectFrontend(w, r, "/login", url.Values{"error": {code}})
}

func (h *Handlers) redirectFrontend(w http.ResponseWriter, r *http.Request, path string, q url.Values) {
	target := h.cfg.FrontendBaseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}
