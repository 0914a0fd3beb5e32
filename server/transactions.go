package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"voucherswap/models"
)

// ListPendingTransactions returns every queue entry still awaiting a
// settlement outcome, oldest first.
func (s *Server) ListPendingTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Queue.ListPending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

// GetTransaction returns a single queue entry.
func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "invalid transaction id")
		return
	}
	entry, err := s.Queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// UpdateTransactionStatus applies a status transition to a queue entry.
func (s *Server) UpdateTransactionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "invalid transaction id")
		return
	}
	var req struct {
		Status string `json:"status"`
		Hash   string `json:"hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	status := models.TxStatus(strings.TrimSpace(req.Status))
	if status == "" {
		s.writeBadRequest(w, "status is required")
		return
	}
	entry, err := s.Queue.UpdateStatus(r.Context(), id, status, strings.TrimSpace(req.Hash))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// UpdateTransactionHash records the settlement hash without changing status.
func (s *Server) UpdateTransactionHash(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "invalid transaction id")
		return
	}
	var req struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	hash := strings.TrimSpace(req.Hash)
	if hash == "" {
		s.writeBadRequest(w, "hash is required")
		return
	}
	entry, err := s.Queue.UpdateHash(r.Context(), id, hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}
