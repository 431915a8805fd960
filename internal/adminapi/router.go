// Package adminapi wires the administrative listener: five JSON
// operations over enrollment, removal, listing, and pool health, kept on a separate router/listener from the main proxy so it can
// bind to a loopback-only address by default.
package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/basher83/oauth-gateway/internal/admin"
	"github.com/basher83/oauth-gateway/internal/httpmw"
	"github.com/basher83/oauth-gateway/internal/obslog"
)

// NewRouter builds the admin listener's router.
func NewRouter(a *admin.Admin) http.Handler {
	r := chi.NewRouter()

	r.Use(httpmw.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(httpmw.RequestLogger(obslog.Log))
	r.Use(chimiddleware.Recoverer)
	r.Use(httpmw.SecurityHeaders)
	r.Use(chimiddleware.Throttle(4))

	h := newHandlers(a)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/accounts", h.listAccounts)
	r.Post("/accounts/enroll/begin", h.beginEnrollment)
	r.Post("/accounts/enroll/complete", h.completeEnrollment)
	r.Delete("/accounts/{id}", h.removeAccount)
	r.Get("/pool/health", h.poolHealth)

	return r
}
