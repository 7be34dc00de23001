package httpapi

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/voluteio/volute/internal/config"
)

// Connector channel mappings: state/<mind>/channels.json maps a connector
// channel URI (e.g. "discord:123") to a platform-specific target.

func (s *Server) handleGetMindChannels(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	mappings, err := config.LoadEnvFile(s.mindChannelsPath(name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) handlePutMindChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.requireSprouted(w, name); !ok {
		return
	}
	s.putEnvKey(w, r, s.mindChannelsPath(name))
}

func (s *Server) handleDeleteMindChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.requireSprouted(w, name); !ok {
		return
	}
	s.deleteEnvKey(w, r, s.mindChannelsPath(name))
}

func (s *Server) mindChannelsPath(name string) string {
	return filepath.Join(s.cfg.MindStateDir(name), "channels.json")
}

// Skills: markdown-ish capability files under <mind dir>/skills, editable
// over the API and picked up by the mind on its next turn.

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}
	entries, err := os.ReadDir(filepath.Join(s.cfg.MindDir(name), "skills"))
	if err != nil && !os.IsNotExist(err) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	skills := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			skills = append(skills, e.Name())
		}
	}
	writeJSON(w, http.StatusOK, skills)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	path, ok := s.skillPath(w, r)
	if !ok {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "skill not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    r.PathValue("skill"),
		"content": string(data),
	})
}

func (s *Server) handlePutSkill(w http.ResponseWriter, r *http.Request) {
	path, ok := s.skillPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := config.WriteFileAtomic(path, []byte(req.Content), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	path, ok := s.skillPath(w, r)
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "skill not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// skillPath resolves {name}/{skill} to a file inside the skills dir,
// rejecting unknown minds and names that escape it.
func (s *Server) skillPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return "", false
	}
	skill := r.PathValue("skill")
	if skill == "" || skill != filepath.Base(skill) || strings.HasPrefix(skill, ".") {
		writeError(w, http.StatusBadRequest, "invalid skill name")
		return "", false
	}
	return filepath.Join(s.cfg.MindDir(name), "skills", skill), true
}

// File transfer: bounded upload/download under <mind dir>/files.

func (s *Server) handleGetMindFile(w http.ResponseWriter, r *http.Request) {
	path, ok := s.mindFilePath(w, r)
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handlePutMindFile(w http.ResponseWriter, r *http.Request) {
	path, ok := s.mindFilePath(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := config.WriteFileAtomic(path, data, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"path": r.PathValue("path"), "size": len(data)})
}

func (s *Server) handleDeleteMindFile(w http.ResponseWriter, r *http.Request) {
	path, ok := s.mindFilePath(w, r)
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// mindFilePath resolves {name}/{path...} to a location inside the mind's
// files dir, rejecting traversal.
func (s *Server) mindFilePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if _, ok := s.reg.Find(name); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return "", false
	}
	rel := r.PathValue("path")
	if rel == "" {
		writeError(w, http.StatusBadRequest, "file path required")
		return "", false
	}
	base := filepath.Join(s.cfg.MindDir(name), "files")
	full := filepath.Join(base, filepath.FromSlash(rel))
	if full == base || !strings.HasPrefix(full, base+string(filepath.Separator)) {
		writeError(w, http.StatusBadRequest, "invalid file path")
		return "", false
	}
	return full, true
}
