package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// handlePage serves a mind's published pages from <mind dir>/pages without
// authentication. Everything else under the mind directory stays
// unreachable.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	mind := r.PathValue("mind")
	if _, ok := s.reg.Find(mind); !ok {
		http.NotFound(w, r)
		return
	}

	rel := r.PathValue("path")
	if rel == "" {
		rel = "index.html"
	}

	base := filepath.Join(s.cfg.MindDir(mind), "pages")
	full := filepath.Join(base, filepath.FromSlash(rel))
	// Reject anything that cleans outside the pages root.
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, full)
}
