package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"voucherswap/observability"
	"voucherswap/vault"
)

// RevealVoucher decrypts the voucher of a filled buying order for its
// designated filler. The secret is supplied per request and never stored.
func (s *Server) RevealVoucher(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	var req struct {
		Secret string `json:"secret"`
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Secret) == "" {
		s.writeBadRequest(w, "secret is required")
		return
	}
	method := vault.RevealMethod(strings.TrimSpace(req.Method))
	switch method {
	case "":
		method = vault.RevealAuto
	case vault.RevealLocal, vault.RevealBlockchain, vault.RevealAuto:
	default:
		s.writeBadRequest(w, "unknown reveal method")
		return
	}
	result, err := s.Vault.Reveal(r.Context(), id, caller, req.Secret, method)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.Engine().RevealPath(string(result.Method))
	s.writeJSON(w, http.StatusOK, result)
}

// UploadImage attaches the voucher image to a buying order.
func (s *Server) UploadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil || len(content) == 0 {
		s.writeBadRequest(w, "content must be non-empty base64")
		return
	}
	if err := s.Vault.AttachImage(r.Context(), id, caller, content); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

// RequestDownload issues a short-lived single-use token for the voucher
// image of a filled, revealed buying order.
func (s *Server) RequestDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	token, err := s.Vault.RequestDownload(r.Context(), id, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":     token.Token,
		"expiresAt": token.ExpiresAt,
	})
}

// DownloadImage redeems a download token. The image is removed from the
// vault in the same step, so the token works exactly once.
func (s *Server) DownloadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	tokenID, err := uuid.Parse(r.URL.Query().Get("token"))
	if err != nil {
		s.writeBadRequest(w, "invalid download token")
		return
	}
	content, err := s.Vault.Download(r.Context(), id, tokenID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.Engine().ImageReleased()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
