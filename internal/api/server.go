package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dialcast/dialcast/internal/agents"
	"github.com/dialcast/dialcast/internal/database/models"
)

// CampaignStore abstracts the campaign rows the control surface touches.
type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	TransitionStatus(ctx context.Context, id int64, to string, from ...string) (bool, error)
}

// BudgetStore releases channel reservations when a campaign is cancelled.
type BudgetStore interface {
	Release(ctx context.Context, userID int64, n int) error
}

// MenuStore reads and writes post-call menu definitions.
type MenuStore interface {
	GetByCampaign(ctx context.Context, campaignID int64) (*models.PostCallMenu, error)
	Save(ctx context.Context, menu *models.PostCallMenu) error
}

// AudioCache invalidates synthesized prompts after a menu edit.
type AudioCache interface {
	Invalidate(campaignID int64)
}

// Poker nudges the scheduler to re-process a campaign out of band.
type Poker interface {
	Poke(campaignID int64)
}

// AgentControl is the dispatcher surface exposed over HTTP.
type AgentControl interface {
	Registry() *agents.Registry
	QueueSnapshot() []agents.QueueEntry
	SetBreak(ctx context.Context, userID int64, reason string) error
	ClearBreak(ctx context.Context, userID int64) error
	ForceStatus(ctx context.Context, userID int64, status, breakReason string) error
	SpyCall(ctx context.Context, contactID int64, supervisorExtension string) error
	RemoveFromQueue(contactID int64) bool
}

// Pinger reports store liveness for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Logger     *slog.Logger
	DB         Pinger
	Campaigns  CampaignStore
	Budget     BudgetStore
	Menus      MenuStore
	Cache      AudioCache
	Scheduler  Poker
	Dispatcher AgentControl

	// Socket upgrades are delegated to the push hub.
	Socket http.HandlerFunc

	// Metrics is the prometheus scrape handler mounted at /metrics.
	Metrics http.Handler

	// InternalSecret guards the control routes. Empty disables the check.
	InternalSecret string

	// JWTSecret signs dashboard socket tokens.
	JWTSecret []byte
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	// Dashboard sockets authenticate with their own bearer token.
	if s.deps.Socket != nil {
		r.Get("/ws", s.deps.Socket)
	}

	// Control routes under /api/v1, guarded by the shared internal secret.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.internalAuth)

		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Post("/pause", s.handleCampaignPause)
			r.Post("/resume", s.handleCampaignResume)
			r.Post("/cancel", s.handleCampaignCancel)
			r.Get("/menu", s.handleMenuGet)
			r.Put("/menu", s.handleMenuSave)
		})

		r.Get("/agents", s.handleAgentList)
		r.Route("/agents/{id}", func(r chi.Router) {
			r.Post("/break", s.handleAgentBreak)
			r.Delete("/break", s.handleAgentClearBreak)
			r.Put("/status", s.handleAgentForceStatus)
		})

		r.Get("/queue", s.handleQueueList)
		r.Delete("/queue/{contactId}", s.handleQueueRemove)

		r.Post("/calls/{contactId}/spy", s.handleSpyCall)

		r.Post("/auth/socket", s.handleSocketToken)
	})
}

// internalAuth enforces the shared secret on control routes. The check is
// skipped when no secret is configured, which is only sensible in dev.
func (s *Server) internalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.InternalSecret != "" {
			got := r.Header.Get("X-Internal-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.InternalSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid internal secret")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
