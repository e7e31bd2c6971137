package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/clawos/kernel/pkg/approval"
	"github.com/clawos/kernel/pkg/audit"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/crypto"
	"github.com/clawos/kernel/pkg/dispatch"
	"github.com/clawos/kernel/pkg/identity"
	"github.com/clawos/kernel/pkg/kernel"
	"github.com/clawos/kernel/pkg/observability"
	"github.com/clawos/kernel/pkg/policy"
	"github.com/clawos/kernel/pkg/session"
	"github.com/clawos/kernel/pkg/store"
	"github.com/clawos/kernel/pkg/task"
	"github.com/clawos/kernel/pkg/token"
	"github.com/clawos/kernel/pkg/worker"
)

// Deps carries everything the HTTP surface needs. No module-level state.
type Deps struct {
	Store      *store.Store
	Gate       *kernel.Gate
	Identity   *identity.Service
	Policy     *policy.Engine
	Tokens     *token.Service
	Approvals  *approval.Service
	Dispatcher *dispatch.Dispatcher
	Worker     *worker.Runner
	Tasks      *task.Service
	Sessions   *session.Resolver
	Vault      *crypto.Vault
	Audit      *audit.Recorder
	Clock      contracts.Clock
	Logger     *slog.Logger
	Obs        *observability.Provider
	Limiter    kernel.LimiterStore
	Version    string
}

// Server serves the kernel API.
type Server struct {
	Deps
	started time.Time
}

// NewServer wires the server.
func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = contracts.WallClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{Deps: d, started: d.Clock.Now()}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /kernel/setup", s.handleSetup)
	mux.HandleFunc("POST /kernel/unlock", s.handleUnlock)
	mux.HandleFunc("GET /kernel/health", s.handleHealth)

	mux.HandleFunc("POST /kernel/workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("POST /kernel/agents", s.handleUpsertAgent)
	mux.HandleFunc("POST /kernel/subagents", s.handleSpawnSubagent)
	mux.HandleFunc("POST /kernel/subagents/{id}/run", s.handleRunSubagent)

	mux.HandleFunc("POST /kernel/tokens/request", s.handleTokenRequest)
	mux.HandleFunc("POST /kernel/dct_approvals/{id}/grant", s.handleDARDecision(true))
	mux.HandleFunc("POST /kernel/dct_approvals/{id}/deny", s.handleDARDecision(false))
	mux.HandleFunc("POST /kernel/dct_approvals/{id}/extend", s.handleDARExtend)

	mux.HandleFunc("POST /kernel/action_requests", s.handleSubmitAction)
	mux.HandleFunc("POST /kernel/approvals/{id}/approve", s.handleApprovalDecision(true))
	mux.HandleFunc("POST /kernel/approvals/{id}/reject", s.handleApprovalDecision(false))
	mux.HandleFunc("POST /kernel/approvals/{id}/extend", s.handleApprovalExtend)
	mux.HandleFunc("POST /kernel/tokens/issue", s.handleIssueCap)
	mux.HandleFunc("POST /kernel/tokens/verify", s.handleVerifyCap)

	mux.HandleFunc("POST /kernel/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /kernel/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /kernel/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("POST /kernel/tasks/{id}/verify", s.handleVerifyTask)
	mux.HandleFunc("POST /kernel/tasks/{id}/artifacts", s.handleAttachArtifact)

	mux.HandleFunc("POST /kernel/sessions/resolve", s.handleResolveSession)
	mux.HandleFunc("PATCH /kernel/sessions/{id}", s.handleAdvanceSession)

	mux.HandleFunc("GET /kernel/connections", s.handleListConnections)
	mux.HandleFunc("PUT /kernel/connections/{provider}", s.handlePutConnection)
	mux.HandleFunc("GET /kernel/connections/{provider}", s.handleGetConnection)
	mux.HandleFunc("DELETE /kernel/connections/{provider}", s.handleDeleteConnection)

	mux.HandleFunc("GET /kernel/risk_policies", s.handleListPolicies)
	mux.HandleFunc("PUT /kernel/risk_policies/{action}", s.handlePutPolicy)

	var h http.Handler = mux
	h = withGate(s.Gate, h)
	h = withRateLimit(s.Limiter, h)
	h = withLogging(s.Logger, s.Obs, h)
	h = withRequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	if err := s.Store.Ping(r.Context()); err != nil {
		db = "down"
	}
	writeOK(w, map[string]any{
		"uptime_ms": s.Clock.Now().Sub(s.started).Milliseconds(),
		"db":        db,
		"version":   s.Version,
	})
}
