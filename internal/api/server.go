package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/autoreply"
	"github.com/whatsapp-automation/engine/internal/campaign"
	"github.com/whatsapp-automation/engine/internal/forwarding"
	"github.com/whatsapp-automation/engine/internal/groups"
	"github.com/whatsapp-automation/engine/internal/messaging"
	"github.com/whatsapp-automation/engine/internal/scheduler"
	"github.com/whatsapp-automation/engine/internal/session"
	"github.com/whatsapp-automation/engine/internal/store"
)

// TenantHeader carries the calling tenant on every account-scoped request.
const TenantHeader = "X-Tenant-ID"

const (
	defaultTimeout = 30 * time.Second
	longTimeout    = 120 * time.Second
	// writeSlack is left for writing the response once a handler deadline expires.
	writeSlack = 5 * time.Second
)

// Deps are the components the API serves.
type Deps struct {
	Store      *store.Store
	Sessions   *session.Manager
	Messaging  *messaging.Service
	AutoReply  *autoreply.Engine
	Forwarding *forwarding.Engine
	Campaigns  *campaign.Runner
	Queue      campaign.Queue
	Dispatcher *scheduler.Dispatcher
	Groups     *groups.Administrator
	// MaxUpload caps multipart bodies in bytes.
	MaxUpload int64
}

// Server represents the HTTP API server
type Server struct {
	Deps
	log logrus.FieldLogger
}

// NewServer creates a new API server
func NewServer(deps Deps, log logrus.FieldLogger) *Server {
	if deps.MaxUpload <= 0 {
		deps.MaxUpload = 64 << 20
	}
	return &Server{Deps: deps, log: log.WithField("component", "api")}
}

// Handler returns a router with every route and the logging middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/dispatcher/tick", s.handleTick).Methods(http.MethodPost)

	t := r.NewRoute().Subrouter()
	t.Use(requireTenant)

	// Accounts and login
	t.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	t.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	t.HandleFunc("/accounts/{id:[0-9]+}/status", s.handleStatus).Methods(http.MethodGet)
	t.HandleFunc("/accounts/{id:[0-9]+}/login/code", s.handleLoginCode).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/login/verify", s.handleLoginVerify).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/login/qr", s.handleLoginQR).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/login/await", s.handleLoginAwait).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/logout", s.handleLogout).Methods(http.MethodPost)

	// Messaging
	t.HandleFunc("/accounts/{id:[0-9]+}/conversations", s.handleConversations).Methods(http.MethodGet)
	t.HandleFunc("/accounts/{id:[0-9]+}/messages", s.handleSendText).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/files", s.handleSendFile).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/chats/{chat}/history", s.handleHistory).Methods(http.MethodGet)
	t.HandleFunc("/accounts/{id:[0-9]+}/chats/{chat}/search", s.handleSearch).Methods(http.MethodGet)
	t.HandleFunc("/accounts/{id:[0-9]+}/chats/{chat}/messages/{msg}/media", s.handleMedia).Methods(http.MethodGet)

	// Automation
	t.HandleFunc("/accounts/{id:[0-9]+}/auto-replies", s.handleCreateRule).Methods(http.MethodPost)
	t.HandleFunc("/auto-replies/{rule:[0-9]+}", s.handleUpdateRule).Methods(http.MethodPut)
	t.HandleFunc("/auto-replies/{rule:[0-9]+}", s.handleDeleteRule).Methods(http.MethodDelete)
	t.HandleFunc("/accounts/{id:[0-9]+}/forward-rules", s.handleCreateForwardRule).Methods(http.MethodPost)
	t.HandleFunc("/forward-rules/{rule:[0-9]+}/toggle", s.handleToggleForwardRule).Methods(http.MethodPost)

	// Campaigns and scheduling
	t.HandleFunc("/accounts/{id:[0-9]+}/campaigns", s.handleCreateCampaign).Methods(http.MethodPost)
	t.HandleFunc("/campaigns/{campaign:[0-9]+}", s.handleGetCampaign).Methods(http.MethodGet)
	t.HandleFunc("/campaigns/{campaign:[0-9]+}/cancel", s.handleCancelCampaign).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/scheduled", s.handleCreateScheduled).Methods(http.MethodPost)
	t.HandleFunc("/scheduled/{scheduled:[0-9]+}/cancel", s.handleCancelScheduled).Methods(http.MethodPost)

	// Groups
	t.HandleFunc("/accounts/{id:[0-9]+}/groups", s.handleCreateGroup).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/groups/{group}/members", s.handleAddMembers).Methods(http.MethodPost)
	t.HandleFunc("/accounts/{id:[0-9]+}/groups/{group}/harvest", s.handleHarvest).Methods(http.MethodPost)
}

type tenantKey struct{}

// requireTenant rejects requests without a tenant header and stores the
// tenant on the request context.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			writeFailure(w, http.StatusBadRequest, CodeTenantRequired, TenantHeader+" header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantOf(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey{}).(string)
	return tenant
}

// pathID parses a numeric route variable. The route patterns only admit
// digits, so the error path is an overflow.
func pathID(r *http.Request, name string) (uint, error) {
	n, err := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	if err != nil {
		return 0, errBadID
	}
	return uint(n), nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the connection.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// withDeadline bounds a long-running handler by timeout and moves the
// connection's write deadline past it, overriding http.Server.WriteTimeout
// for this request only.
func (s *Server) withDeadline(w http.ResponseWriter, r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(timeout + writeSlack)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.log.WithError(err).Debug("Failed to extend write deadline")
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"tenant":   r.Header.Get(TenantHeader),
			"duration": time.Since(start).String(),
		}).Debug("Request completed")
	})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]interface{}{
		"healthy": true,
	})
}

// POST /dispatcher/tick
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	res, err := s.Dispatcher.Tick(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
