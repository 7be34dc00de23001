// Package httpapi is the daemon's HTTP surface: mind lifecycle routes, the
// message pipeline, conversations and channels, typing, and the SSE event
// stream.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/voluteio/volute/internal/activity"
	"github.com/voluteio/volute/internal/budget"
	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/internal/events"
	"github.com/voluteio/volute/internal/registry"
	"github.com/voluteio/volute/internal/state"
	"github.com/voluteio/volute/internal/typing"
)

// maxBodyBytes bounds ordinary JSON request bodies. The message route has
// its own larger limit for image blocks.
const maxBodyBytes = 1 << 20

// Runner is the supervisor surface the HTTP layer needs.
type Runner interface {
	StartMind(name string) error
	StopMind(name string) error
	RestartMind(name string) error
	IsRunning(name string) bool
	Port(name string) (int, bool)
}

// Server holds every daemon component the HTTP routes touch.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	store   *state.Store
	seq     *events.Sequencer
	tracker *activity.Tracker
	budget  *budget.Manager
	typing  *typing.Map
	sup     Runner
	version string

	loginLimiter *rate.Limiter
	client       *http.Client
	httpSrv      *http.Server
}

// New wires a server. Streaming to minds uses a client without a global
// timeout; mind responses stay open as long as the mind keeps talking.
func New(cfg *config.Config, reg *registry.Registry, store *state.Store,
	seq *events.Sequencer, tracker *activity.Tracker, bud *budget.Manager,
	typ *typing.Map, sup Runner, version string) *Server {
	return &Server{
		cfg:          cfg,
		reg:          reg,
		store:        store,
		seq:          seq,
		tracker:      tracker,
		budget:       bud,
		typing:       typ,
		sup:          sup,
		version:      version,
		loginLimiter: newLoginLimiter(),
		client:       &http.Client{},
	}
}

// BuildMux registers every route.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /pages/{mind}/{path...}", s.handlePage)

	mux.HandleFunc("POST /api/auth/register", s.public(s.handleRegister))
	mux.HandleFunc("POST /api/auth/login", s.public(s.handleLogin))
	mux.HandleFunc("POST /api/auth/logout", s.authAllowPending(s.handleLogout))
	mux.HandleFunc("GET /api/auth/whoami", s.authAllowPending(s.handleWhoami))
	mux.HandleFunc("POST /api/auth/users/{username}/promote", s.authMiddleware(s.handlePromoteUser))

	mux.HandleFunc("GET /api/minds", s.authMiddleware(s.handleListMinds))
	// legacy alias kept for older clients
	mux.HandleFunc("GET /api/agents", s.authMiddleware(s.handleListMinds))
	mux.HandleFunc("POST /api/minds", s.authMiddleware(s.handleCreateMind))
	mux.HandleFunc("GET /api/minds/{name}", s.authMiddleware(s.handleGetMind))
	mux.HandleFunc("DELETE /api/minds/{name}", s.authMiddleware(s.handleDeleteMind))
	mux.HandleFunc("POST /api/minds/{name}/start", s.authMiddleware(s.handleStartMind))
	mux.HandleFunc("POST /api/minds/{name}/stop", s.authMiddleware(s.handleStopMind))
	mux.HandleFunc("POST /api/minds/{name}/restart", s.authMiddleware(s.handleRestartMind))
	mux.HandleFunc("POST /api/minds/{name}/sprout", s.authMiddleware(s.handleSproutMind))
	mux.HandleFunc("POST /api/minds/{name}/wake", s.authMiddleware(s.handleWakeMind))
	mux.HandleFunc("POST /api/minds/{name}/message", s.authMiddleware(s.handleMessage))
	mux.HandleFunc("GET /api/minds/{name}/history", s.authMiddleware(s.handleHistory))
	mux.HandleFunc("GET /api/minds/{name}/history/export", s.authMiddleware(s.handleHistoryExport))

	mux.HandleFunc("GET /api/minds/{name}/budget", s.authMiddleware(s.handleGetBudget))
	mux.HandleFunc("PUT /api/minds/{name}/budget", s.authMiddleware(s.handlePutBudget))
	mux.HandleFunc("DELETE /api/minds/{name}/budget", s.authMiddleware(s.handleDeleteBudget))

	mux.HandleFunc("GET /api/minds/{name}/env", s.authMiddleware(s.handleGetMindEnv))
	mux.HandleFunc("PUT /api/minds/{name}/env/{key}", s.authMiddleware(s.handlePutMindEnv))
	mux.HandleFunc("DELETE /api/minds/{name}/env/{key}", s.authMiddleware(s.handleDeleteMindEnv))

	mux.HandleFunc("GET /api/minds/{name}/variants", s.authMiddleware(s.handleListVariants))
	mux.HandleFunc("POST /api/minds/{name}/variants", s.authMiddleware(s.handleCreateVariant))
	mux.HandleFunc("DELETE /api/minds/{name}/variants/{variant}", s.authMiddleware(s.handleDeleteVariant))

	mux.HandleFunc("GET /api/minds/{name}/schedules", s.authMiddleware(s.handleGetSchedules))
	mux.HandleFunc("PUT /api/minds/{name}/schedules", s.authMiddleware(s.handlePutSchedules))

	mux.HandleFunc("GET /api/minds/{name}/channels", s.authMiddleware(s.handleGetMindChannels))
	mux.HandleFunc("PUT /api/minds/{name}/channels/{key}", s.authMiddleware(s.handlePutMindChannel))
	mux.HandleFunc("DELETE /api/minds/{name}/channels/{key}", s.authMiddleware(s.handleDeleteMindChannel))

	mux.HandleFunc("GET /api/minds/{name}/skills", s.authMiddleware(s.handleListSkills))
	mux.HandleFunc("GET /api/minds/{name}/skills/{skill}", s.authMiddleware(s.handleGetSkill))
	mux.HandleFunc("PUT /api/minds/{name}/skills/{skill}", s.authMiddleware(s.handlePutSkill))
	mux.HandleFunc("DELETE /api/minds/{name}/skills/{skill}", s.authMiddleware(s.handleDeleteSkill))

	mux.HandleFunc("GET /api/minds/{name}/files/{path...}", s.authMiddleware(s.handleGetMindFile))
	mux.HandleFunc("PUT /api/minds/{name}/files/{path...}", s.authMiddleware(s.handlePutMindFile))
	mux.HandleFunc("DELETE /api/minds/{name}/files/{path...}", s.authMiddleware(s.handleDeleteMindFile))

	mux.HandleFunc("GET /api/env", s.authMiddleware(s.handleGetSharedEnv))
	mux.HandleFunc("PUT /api/env/{key}", s.authMiddleware(s.handlePutSharedEnv))
	mux.HandleFunc("DELETE /api/env/{key}", s.authMiddleware(s.handleDeleteSharedEnv))

	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.handleListConversations))
	mux.HandleFunc("GET /api/conversations/{id}", s.authMiddleware(s.handleGetConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.authMiddleware(s.handleConversationMessages))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.authMiddleware(s.handleDeleteConversation))

	mux.HandleFunc("GET /api/volute/channels", s.authMiddleware(s.handleListChannels))
	mux.HandleFunc("POST /api/volute/channels", s.authMiddleware(s.handleCreateChannel))
	mux.HandleFunc("POST /api/volute/channels/{name}/join", s.authMiddleware(s.handleJoinChannel))
	mux.HandleFunc("POST /api/volute/channels/{name}/leave", s.authMiddleware(s.handleLeaveChannel))
	mux.HandleFunc("POST /api/volute/channels/{name}/invite", s.authMiddleware(s.handleInviteChannel))
	mux.HandleFunc("GET /api/volute/channels/{name}/members", s.authMiddleware(s.handleChannelMembers))

	mux.HandleFunc("GET /api/typing", s.authMiddleware(s.handleGetTyping))
	mux.HandleFunc("POST /api/typing", s.authMiddleware(s.handleSetTyping))

	mux.HandleFunc("GET /api/activity", s.authMiddleware(s.handleActivity))
	mux.HandleFunc("GET /api/events", s.authMiddleware(s.handleEvents))

	return mux
}

// public applies only the origin check, for routes that establish identity.
func (s *Server) public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkOrigin(r, identity{}) {
			writeError(w, http.StatusForbidden, "origin mismatch")
			return
		}
		next(w, r)
	}
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.BuildMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	slog.Info("daemon listening", "port", s.cfg.Port, "origin", s.cfg.Origin())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.version})
}

// decodeBody decodes a JSON request body with the standard size cap.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
