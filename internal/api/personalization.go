package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/recipient"
)

// ParseRequest is the body of POST /personalization/parse
type ParseRequest struct {
	Line string `json:"line"`
}

// ParseResponse describes one parsed recipient line
type ParseResponse struct {
	Valid  bool              `json:"valid"`
	Record *recipient.Record `json:"record,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// MergeRequest is the body of POST /personalization/merge
type MergeRequest struct {
	Template string `json:"template"`
	Line     string `json:"line"`
}

// MergeResponse is a merged preview
type MergeResponse struct {
	Output     string   `json:"output"`
	Unresolved []string `json:"unresolved,omitempty"`
}

// handleVariables handles GET /api/v1/personalization/variables
func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"variables": merge.Catalog(),
	})
}

// handleDocumentation handles GET /api/v1/personalization/documentation
func (s *Server) handleDocumentation(w http.ResponseWriter, r *http.Request) {
	doc, err := merge.Documentation()
	if err != nil {
		s.logger.Error("failed to render documentation", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to render documentation")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// handleParseRecipient handles POST /api/v1/personalization/parse
func (s *Server) handleParseRecipient(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := recipient.Parse(req.Line, 0)
	if err != nil {
		var me *recipient.MalformedError
		if errors.As(err, &me) {
			s.sendJSON(w, http.StatusUnprocessableEntity, ParseResponse{Reason: me.Reason})
			return
		}
		s.sendFailure(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ParseResponse{Valid: true, Record: &rec})
}

// handleMergePreview handles POST /api/v1/personalization/merge
func (s *Server) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := recipient.Parse(req.Line, 0)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	// a rejected merge still returns its output; the preview shows both
	out, _ := s.merge.Merge(req.Template, rec, merge.Context{Now: time.Now()})
	s.sendJSON(w, http.StatusOK, MergeResponse{
		Output:     out,
		Unresolved: s.merge.Unresolved(req.Template, rec),
	})
}
