// Package httpapi is the HTTP adapter described in spec.md §6. It is
// explicitly the "HTTP router and its middleware" collaborator spec.md
// §1 places out of scope for correctness purposes: it exists so the
// documented surface is runnable end to end, translating requests into
// calls against internal/service's Public API Surface. Real sign-in,
// the session store, and the persisted user/custom-address mapping
// are assumed to live upstream of this package in a full deployment;
// here, viewerMiddleware is a stand-in that a collaborator's real auth
// middleware would replace.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/inboxmux/aggregator/internal/model"
	"github.com/inboxmux/aggregator/internal/ratelimit"
	"github.com/inboxmux/aggregator/internal/service"
)

type viewerContextKey struct{}

// NewRouter builds the chi.Router exposing the table in spec.md §6.
func NewRouter(svc *service.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(viewerMiddleware)

	emailOpsCooldowns := make(map[string]ratelimit.Cooldown)
	for _, a := range svc.ListAccountsForViewer(model.Viewer{Authenticated: true}) {
		if q, ok := svc.QueueFor(a.Address); ok {
			emailOpsCooldowns[a.Address] = q
		}
	}
	emailOpsLimiter := ratelimit.EmailOps(resolveBackendForLimiter, emailOpsCooldowns)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.General())

		r.Get("/emails", handleListDomainEmails(svc))
		r.Get("/provider-accounts", handleProviderAccounts(svc))
		r.Post("/provider-alias", handleGenerateAlias(svc))
		r.Get("/stats", handleStats(svc))
	})

	r.Group(func(r chi.Router) {
		r.Use(emailOpsLimiter)

		r.Post("/emails/refresh", handleRefreshDomainEmails(svc))
		r.Delete("/emails/{id}", handleDeleteDomainEmail(svc))
		r.Get("/emails/{id}/attachments/{name}", handleDomainAttachment(svc))

		r.Get("/provider-emails", handleListProviderEmails(svc))
		r.Post("/provider-emails/refresh", handleRefreshProviderEmails(svc))
		r.Delete("/provider-emails/{id}", handleDeleteProviderEmail(svc))
		r.Get("/provider-emails/{id}/attachments/{name}", handleProviderAttachment(svc))
	})

	return r
}

// resolveBackendForLimiter returns the address a rate-limited email-ops
// request names: its accountEmail query parameter, else its address
// parameter, exactly as given. The limiter arms a cooldown only when
// that string equals a configured backend address (same case); an
// alias or catch-all address is not resolved to its backend, so no
// Admission Queue cooldown is armed for it.
func resolveBackendForLimiter(r *http.Request) string {
	if addr := r.URL.Query().Get("accountEmail"); addr != "" {
		return addr
	}
	return r.URL.Query().Get("address")
}

// viewerMiddleware injects a Viewer derived from request state. This
// is a placeholder for the real session-aware auth middleware a
// collaborator owns; it treats a non-empty Authorization header as
// "authenticated" and everything else as anonymous.
func viewerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewer := model.Viewer{Authenticated: r.Header.Get("Authorization") != ""}
		ctx := context.WithValue(r.Context(), viewerContextKey{}, viewer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func viewerFromContext(ctx context.Context) model.Viewer {
	if v, ok := ctx.Value(viewerContextKey{}).(model.Viewer); ok {
		return v
	}
	return model.Anonymous
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleListDomainEmails(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer := viewerFromContext(r.Context())
		addr := r.URL.Query().Get("address")

		var messages []model.Message
		if addr == "" {
			messages = svc.FetchAllDomainMail(r.Context(), viewer)
		} else {
			messages = svc.FetchForAddress(r.Context(), addr, viewer)
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

func handleRefreshDomainEmails(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer := viewerFromContext(r.Context())
		addr := r.URL.Query().Get("address")
		writeJSON(w, http.StatusOK, svc.RefreshAddress(r.Context(), addr, viewer))
	}
}

func handleDeleteDomainEmail(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		backend, ok := svc.BackendForMessage(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if !svc.DeleteMessage(r.Context(), id, backend) {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func handleDomainAttachment(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		name := chi.URLParam(r, "name")

		backend, ok := svc.BackendForMessage(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		serveAttachment(svc, w, r, id, name, backend)
	}
}

func handleListProviderEmails(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer := viewerFromContext(r.Context())
		addr := r.URL.Query().Get("address")
		writeJSON(w, http.StatusOK, svc.FetchForAddress(r.Context(), addr, viewer))
	}
}

func handleRefreshProviderEmails(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer := viewerFromContext(r.Context())
		addr := r.URL.Query().Get("address")
		writeJSON(w, http.StatusOK, svc.RefreshAddress(r.Context(), addr, viewer))
	}
}

func handleDeleteProviderEmail(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		backend := r.URL.Query().Get("accountEmail")
		if backend == "" {
			http.Error(w, "accountEmail required", http.StatusBadRequest)
			return
		}
		if !svc.DeleteMessage(r.Context(), id, backend) {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func handleProviderAttachment(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		name := chi.URLParam(r, "name")
		backend := r.URL.Query().Get("accountEmail")
		if backend == "" {
			http.Error(w, "accountEmail required", http.StatusBadRequest)
			return
		}
		serveAttachment(svc, w, r, id, name, backend)
	}
}

func serveAttachment(svc *service.Service, w http.ResponseWriter, r *http.Request, id, name, backend string) {
	blob, ok := svc.GetAttachment(r.Context(), id, name, backend)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+blob.Filename+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

func handleProviderAccounts(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer := viewerFromContext(r.Context())
		accounts := svc.ListAccountsForViewer(viewer)

		providers := map[string]bool{"gmail": false, "outlook": false}
		for _, a := range accounts {
			providers[a.Provider] = true
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts":  accounts,
			"providers": providers,
		})
	}
}

type generateAliasRequest struct {
	Provider     string `json:"provider"`
	BaseEmail    string `json:"baseEmail"`
	CustomSuffix string `json:"customSuffix"`
	UseDotMethod bool   `json:"useDotMethod"`
}

func handleGenerateAlias(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateAliasRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		a, err := svc.GenerateAlias(model.Provider(req.Provider), req.BaseEmail, req.CustomSuffix, req.UseDotMethod)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"alias": a.AliasAddress})
	}
}

type statsResponse struct {
	Queue     []service.StatsSnapshot `json:"queue"`
	Timestamp string                  `json:"timestamp"`
}

func handleStats(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statsResponse{
			Queue:     svc.Stats(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
