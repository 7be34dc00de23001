package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/adhocore/gronx"

	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/internal/registry"
	"github.com/voluteio/volute/internal/scheduler"
	"github.com/voluteio/volute/internal/supervisor"
	"github.com/voluteio/volute/pkg/protocol"
)

// mindView is a registry entry enriched with live supervisor state.
type mindView struct {
	registry.Entry
	Status string `json:"status"`
	Active bool   `json:"active"`
}

func (s *Server) mindView(e registry.Entry) mindView {
	e.Running = s.sup.IsRunning(e.Name)
	status := "stopped"
	if e.Running {
		status = "running"
	}
	return mindView{Entry: e, Status: status, Active: s.tracker.IsActive(e.Name)}
}

// writeMindError maps domain errors onto HTTP statuses.
func writeMindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, registry.ErrPortInUse),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, supervisor.ErrStartTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListMinds(w http.ResponseWriter, r *http.Request) {
	entries := s.reg.List()
	out := make([]mindView, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.mindView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateMind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Template string `json:"template,omitempty"`
		Port     int    `json:"port,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !registry.ValidName(req.Name) {
		writeError(w, http.StatusBadRequest, "invalid mind name")
		return
	}
	if strings.Contains(req.Name, "@") {
		writeError(w, http.StatusBadRequest, "mind names may not contain @")
		return
	}

	port := req.Port
	if port == 0 {
		port = s.reg.NextPort()
	}
	entry, err := s.reg.Add(req.Name, port, registry.StageSeed, req.Template)
	if err != nil {
		writeMindError(w, err)
		return
	}

	if err := os.MkdirAll(s.cfg.MindDir(req.Name), 0o755); err != nil {
		slog.Warn("mind dir create failed", "mind", req.Name, "error", err)
	}
	if _, err := s.store.EnsureMindUser(req.Name); err != nil {
		slog.Warn("mind user create failed", "mind", req.Name, "error", err)
	}

	writeJSON(w, http.StatusCreated, s.mindView(entry))
}

func (s *Server) handleGetMind(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry, ok := s.reg.Find(name)
	if !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	writeJSON(w, http.StatusOK, s.mindView(entry))
}

// handleDeleteMind retires a mind: stop it and its variants, then drop the
// registration and in-memory state. Files on disk are left for the operator.
func (s *Server) handleDeleteMind(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry, ok := s.reg.Find(name)
	if !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}

	targets := []string{name}
	for _, v := range entry.Variants {
		targets = append(targets, name+"@"+v.Name)
	}
	for _, t := range targets {
		if err := s.sup.StopMind(t); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			writeMindError(w, err)
			return
		}
		s.tracker.Forget(t)
	}
	s.clearTyping(name)

	if err := s.reg.Remove(name); err != nil {
		writeMindError(w, err)
		return
	}
	s.budget.RemoveBudget(name)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStartMind(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.StartMind(name); err != nil {
		writeMindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "running": true})
}

func (s *Server) handleStopMind(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.StopMind(name); err != nil {
		writeMindError(w, err)
		return
	}
	s.tracker.MarkIdle(name)
	s.clearTyping(name)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "running": false})
}

func (s *Server) handleRestartMind(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.RestartMind(name); err != nil {
		writeMindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "running": true})
}

func (s *Server) handleSproutMind(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.reg.SetStage(name, registry.StageSprouted); err != nil {
		writeMindError(w, err)
		return
	}
	entry, _ := s.reg.Find(name)
	writeJSON(w, http.StatusOK, s.mindView(entry))
}

// handleWakeMind starts a stopped mind if necessary and injects a wake
// message on the system:wake channel.
func (s *Server) handleWakeMind(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}

	var req struct {
		Message string `json:"message,omitempty"`
	}
	decodeBody(r, &req) // empty body is fine
	text := req.Message
	if text == "" {
		text = "You have been woken."
	}

	if !s.sup.IsRunning(name) {
		if err := s.sup.StartMind(name); err != nil {
			writeMindError(w, err)
			return
		}
	}
	go s.Deliver(name, protocol.ChannelWake, "daemon", []protocol.ContentBlock{protocol.TextBlock(text)})
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	limit := intQuery(r, "limit", 200)
	rows, err := s.store.ListHistory(name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleHistoryExport streams the full history trail as NDJSON.
func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	rows, err := s.store.ListHistory(name, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`-history.ndjson"`)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return
		}
	}
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	limit, period, used, ok := s.budget.Budget(name)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured":    true,
		"tokenLimit":    limit,
		"periodMinutes": period,
		"tokensUsed":    used,
		"status":        s.budget.CheckBudget(name),
	})
}

func (s *Server) handlePutBudget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	var req struct {
		TokenLimit    int `json:"tokenLimit"`
		PeriodMinutes int `json:"periodMinutes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.budget.SetBudget(name, req.TokenLimit, req.PeriodMinutes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	s.budget.RemoveBudget(r.PathValue("name"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetMindEnv(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	env, err := config.LoadEnvFile(s.cfg.MindEnvPath(name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePutMindEnv(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	s.putEnvKey(w, r, s.cfg.MindEnvPath(name))
}

func (s *Server) handleDeleteMindEnv(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	s.deleteEnvKey(w, r, s.cfg.MindEnvPath(name))
}

// clearTyping drops a stopped sender's typing indicators and pushes the
// change to SSE clients.
func (s *Server) clearTyping(sender string) {
	for _, ch := range s.typing.DeleteSender(sender) {
		s.publishTyping(ch)
	}
}

// requireSprouted gates operations a seed-stage mind may not use yet.
func (s *Server) requireSprouted(w http.ResponseWriter, name string) (registry.Entry, bool) {
	entry, ok := s.reg.Find(name)
	if !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return registry.Entry{}, false
	}
	if entry.Stage != registry.StageSprouted {
		writeError(w, http.StatusForbidden, "mind has not sprouted yet")
		return registry.Entry{}, false
	}
	return entry, true
}

func (s *Server) handleListVariants(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry, ok := s.reg.Find(name)
	if !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	if entry.Variants == nil {
		entry.Variants = []registry.Variant{}
	}
	writeJSON(w, http.StatusOK, entry.Variants)
}

func (s *Server) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.requireSprouted(w, name); !ok {
		return
	}

	var req struct {
		Name   string `json:"name"`
		Branch string `json:"branch,omitempty"`
		Path   string `json:"path,omitempty"`
		Port   int    `json:"port,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !registry.ValidName(req.Name) {
		writeError(w, http.StatusBadRequest, "invalid variant name")
		return
	}
	if req.Port == 0 {
		req.Port = s.reg.NextPort()
	}

	v := registry.Variant{Name: req.Name, Branch: req.Branch, Path: req.Path, Port: req.Port}
	if err := s.reg.AddVariant(name, v); err != nil {
		writeMindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleDeleteVariant(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	variant := r.PathValue("variant")
	canonical := name + "@" + variant

	if err := s.sup.StopMind(canonical); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		writeMindError(w, err)
		return
	}
	s.tracker.Forget(canonical)

	if err := s.reg.RemoveVariant(name, variant); err != nil {
		writeMindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetSchedules(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	schedules, err := scheduler.LoadSchedules(s.cfg.MindDir(name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if schedules == nil {
		schedules = []scheduler.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handlePutSchedules(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.requireSprouted(w, name); !ok {
		return
	}

	var schedules []scheduler.Schedule
	if err := decodeBody(r, &schedules); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	gron := gronx.New()
	seen := map[string]bool{}
	for _, sched := range schedules {
		if sched.ID == "" {
			writeError(w, http.StatusBadRequest, "schedule id required")
			return
		}
		if seen[sched.ID] {
			writeError(w, http.StatusBadRequest, "duplicate schedule id "+sched.ID)
			return
		}
		seen[sched.ID] = true
		if !gron.IsValid(sched.Cron) {
			writeError(w, http.StatusBadRequest, "invalid cron expression for "+sched.ID)
			return
		}
		if sched.Message == "" && sched.Script == "" {
			writeError(w, http.StatusBadRequest, "schedule "+sched.ID+" needs a message or script")
			return
		}
	}

	if err := scheduler.SaveSchedules(s.cfg.MindDir(name), schedules); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.RecentActivity(intQuery(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
