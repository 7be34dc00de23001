package httpapi

import (
	"net/http"

	"github.com/voluteio/volute/internal/config"
)

// Shared env vars are injected into every mind; per-mind entries override
// them at spawn time.

func (s *Server) handleGetSharedEnv(w http.ResponseWriter, r *http.Request) {
	env, err := config.LoadEnvFile(s.cfg.SharedEnvPath())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePutSharedEnv(w http.ResponseWriter, r *http.Request) {
	s.putEnvKey(w, r, s.cfg.SharedEnvPath())
}

func (s *Server) handleDeleteSharedEnv(w http.ResponseWriter, r *http.Request) {
	s.deleteEnvKey(w, r, s.cfg.SharedEnvPath())
}

func (s *Server) putEnvKey(w http.ResponseWriter, r *http.Request, path string) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "env key required")
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	env, err := config.LoadEnvFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	env[key] = req.Value
	if err := config.SaveEnvFile(path, env); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) deleteEnvKey(w http.ResponseWriter, r *http.Request, path string) {
	key := r.PathValue("key")
	env, err := config.LoadEnvFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, ok := env[key]; !ok {
		writeError(w, http.StatusNotFound, "env key not set")
		return
	}
	delete(env, key)
	if err := config.SaveEnvFile(path, env); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
