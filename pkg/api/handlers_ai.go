package api

import (
	"net/http"
	"strings"

	"github.com/odvcencio/zenspace/pkg/logging"
)

// handleAIResult runs a prompt outside any room and returns the raw result.
func (s *Server) handleAIResult(w http.ResponseWriter, r *http.Request) {
	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		respondAppError(w, validationError("prompt", "Prompt is required"))
		return
	}

	res, err := s.gen.Generate(r.Context(), prompt)
	if err != nil {
		s.logger.Error(logging.CategoryModel, "get_result_failed", err.Error(), nil)
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
