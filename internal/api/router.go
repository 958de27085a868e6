package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/boardsched/internal/api/handler"
	mw "github.com/kiranshivaraju/boardsched/internal/api/middleware"
	"github.com/kiranshivaraju/boardsched/internal/api/response"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	ListBoards        http.HandlerFunc
	ClaimJob          http.HandlerFunc
	UploadLog         http.HandlerFunc
	CompleteJob       http.HandlerFunc
	OOBData           http.HandlerFunc
	CheckCancellation http.HandlerFunc

	SubmitJob      http.HandlerFunc
	GetJob         http.HandlerFunc
	CancelJob      http.HandlerFunc
	JobLog         http.HandlerFunc
	ListDevices    http.HandlerFunc
	SetMaintenance http.HandlerFunc
	SetOnline      http.HandlerFunc

	CreateKey http.HandlerFunc
	RevokeKey http.HandlerFunc
}

// WithBoards fills the agent-facing handlers from b.
func (d Dependencies) WithBoards(b *handler.Boards) Dependencies {
	d.ListBoards = b.List
	d.ClaimJob = b.Claim
	d.UploadLog = b.UploadLog
	d.CompleteJob = b.Complete
	d.OOBData = b.OOB
	d.CheckCancellation = b.Cancellation
	return d
}

// WithAdmin fills the operator handlers from a.
func (d Dependencies) WithAdmin(a *handler.Admin) Dependencies {
	d.SubmitJob = a.SubmitJob
	d.GetJob = a.GetJob
	d.CancelJob = a.CancelJob
	d.JobLog = a.JobLog
	d.ListDevices = a.ListDevices
	d.SetMaintenance = a.SetMaintenance
	d.SetOnline = a.SetOnline
	return d
}

// WithKeys fills the API key management handlers from k.
func (d Dependencies) WithKeys(k *handler.Keys) Dependencies {
	d.CreateKey = k.Create
	d.RevokeKey = k.Revoke
	return d
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		// Agent routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAgent))

			r.Get("/api/v1/boards", orNotImplemented(deps.ListBoards))
			r.Post("/api/v1/boards/{hostname}/job", orNotImplemented(deps.ClaimJob))
			r.Put("/api/v1/boards/{hostname}/log", orNotImplemented(deps.UploadLog))
			r.Post("/api/v1/boards/{hostname}/complete", orNotImplemented(deps.CompleteJob))
			r.Post("/api/v1/boards/{hostname}/oob", orNotImplemented(deps.OOBData))
			r.Get("/api/v1/boards/{hostname}/cancellation", orNotImplemented(deps.CheckCancellation))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/jobs", orNotImplemented(deps.SubmitJob))
			r.Get("/api/v1/admin/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Post("/api/v1/admin/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Get("/api/v1/admin/jobs/{jobID}/log", orNotImplemented(deps.JobLog))
			r.Get("/api/v1/admin/devices", orNotImplemented(deps.ListDevices))
			r.Post("/api/v1/admin/devices/{hostname}/maintenance", orNotImplemented(deps.SetMaintenance))
			r.Post("/api/v1/admin/devices/{hostname}/online", orNotImplemented(deps.SetOnline))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKey))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKey))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
