package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/osgrep/osgrep/internal/search"
)

// authenticate wraps a handler with bearer-token verification. The token
// comparison is constant-time so response timing leaks nothing about how
// much of a guessed token matched.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "search requires POST")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBytes))

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	var scopes []string
	if req.Path != "" {
		scope, ok := validateScopedPath(s.cfg.Root, req.Path)
		if !ok {
			writeError(w, http.StatusBadRequest, "path escapes the repository root")
			return
		}
		scopes = []string{scope}
	}

	if inProgress, percent, done := s.indexing.snapshot(); inProgress {
		select {
		case <-done:
		case <-time.After(s.searchWaitTimeout):
			writeJSON(w, http.StatusOK, SearchResponse{Status: StatusIndexing, Progress: percent})
			return
		case <-r.Context().Done():
			return
		}
	}

	opts := search.SearchOptions{Scopes: scopes}
	if req.Limit > 0 {
		opts.Limit = req.Limit
	}
	if req.Rerank != nil && !*req.Rerank {
		opts.DisableRerank = true
	}

	results, err := s.deps.Engine.Search(r.Context(), req.Query, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]SearchResultItem, len(results))
	for i, res := range results {
		numLines := 0
		if res.Chunk.EndLine >= res.Chunk.StartLine {
			numLines = res.Chunk.EndLine - res.Chunk.StartLine + 1
		}
		items[i] = SearchResultItem{
			Path:      res.Chunk.FilePath,
			Score:     res.Score,
			Content:   res.Chunk.Content,
			ChunkType: res.Chunk.Kind,
			StartLine: res.Chunk.StartLine,
			NumLines:  numLines,
			IsAnchor:  res.Chunk.IsAnchor,
			Language:  res.Chunk.Language,
		}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: items, Status: StatusReady})
}

// validateScopedPath rejects any requested path that is absolute or escapes
// root once joined and cleaned.
func validateScopedPath(root, reqPath string) (string, bool) {
	if filepath.IsAbs(reqPath) {
		return "", false
	}
	cleaned := filepath.Clean(reqPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", false
	}
	joined := filepath.Join(root, cleaned)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return cleaned, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
