package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"voucherswap/orders"
)

type createOrderRequest struct {
	Token          string  `json:"token"`
	Amount         string  `json:"amount"`
	FiatAmount     float64 `json:"fiatAmount"`
	Memo           string  `json:"memo"`
	VoucherPayload string  `json:"voucherPayload"`
	Secret         string  `json:"secret"`
}

// CreateSellingOrder records a new selling order together with its escrow
// deposit settlement entry.
func (s *Server) CreateSellingOrder(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	order, entry, err := s.Orders.CreateSellingOrder(r.Context(), orders.CreateOrderParams{
		Owner:      caller,
		Token:      req.Token,
		Amount:     req.Amount,
		FiatAmount: req.FiatAmount,
		Memo:       req.Memo,
	})
	if err != nil {
		if strings.HasPrefix(err.Error(), "orders:") {
			s.writeBadRequest(w, err.Error())
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"order": order, "transaction": entry})
}

// CreateBuyingOrder validates and seals the voucher before recording the
// order and its anchoring settlement entry.
func (s *Server) CreateBuyingOrder(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Secret) == "" {
		s.writeBadRequest(w, "secret is required")
		return
	}
	order, entry, err := s.Orders.CreateBuyingOrder(r.Context(), orders.CreateBuyingOrderParams{
		CreateOrderParams: orders.CreateOrderParams{
			Owner:      caller,
			Token:      req.Token,
			Amount:     req.Amount,
			FiatAmount: req.FiatAmount,
			Memo:       req.Memo,
		},
		VoucherPayload: req.VoucherPayload,
		Secret:         req.Secret,
	})
	if err != nil {
		if strings.HasPrefix(err.Error(), "orders:") || strings.HasPrefix(err.Error(), "vault:") {
			s.writeBadRequest(w, err.Error())
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"order": order, "transaction": entry})
}

// ListSellingOrders returns all selling orders, newest first.
func (s *Server) ListSellingOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.Orders.ListSellingOrders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

// ListBuyingOrders returns all buying orders, newest first.
func (s *Server) ListBuyingOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.Orders.ListBuyingOrders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

// GetSellingOrder returns a single selling order with its fill attempts.
func (s *Server) GetSellingOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	order, err := s.Orders.GetSellingOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// GetBuyingOrder returns a single buying order.
func (s *Server) GetBuyingOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	order, err := s.Orders.GetBuyingOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

type activateRequest struct {
	TxHash string `json:"txHash"`
}

// ActivateSellingOrder moves a pending selling order to active once its
// escrow deposit settled.
func (s *Server) ActivateSellingOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	changed, err := s.Orders.ActivateSellingOrder(r.Context(), id, strings.TrimSpace(req.TxHash))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"activated": changed})
}

// ActivateBuyingOrder moves a pending buying order to active, anchoring the
// voucher ciphertext to the settlement hash.
func (s *Server) ActivateBuyingOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	changed, err := s.Orders.ActivateBuyingOrder(r.Context(), id, strings.TrimSpace(req.TxHash))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"activated": changed})
}

// CancelSellingOrder cancels an active selling order on behalf of its owner.
func (s *Server) CancelSellingOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	order, err := s.Orders.CancelSellingOrder(r.Context(), id, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// CancelBuyingOrder cancels an active buying order on behalf of its owner.
func (s *Server) CancelBuyingOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	order, err := s.Orders.CancelBuyingOrder(r.Context(), id, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// FillSellingOrder records a fill attempt with its voucher payload and
// enqueues the settlement leg.
func (s *Server) FillSellingOrder(w http.ResponseWriter, r *http.Request) {
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
		VoucherPayload string `json:"voucherPayload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	fill, entry, err := s.Orders.SubmitFill(r.Context(), id, caller, req.VoucherPayload)
	if err != nil {
		if strings.HasPrefix(err.Error(), "vault:") {
			s.writeBadRequest(w, err.Error())
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"fill": fill, "transaction": entry})
}

// FillBuyingOrder enqueues the settlement leg for filling a buying order.
func (s *Server) FillBuyingOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		s.writeUnauthorized(w, err.Error())
		return
	}
	entry, err := s.Orders.SubmitBuyingFill(r.Context(), id, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"transaction": entry})
}

// ListFills returns every fill attempt recorded for a selling order.
func (s *Server) ListFills(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	fills, err := s.Orders.ListFills(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"fills": fills})
}

// GetFill returns a single fill attempt.
func (s *Server) GetFill(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	fillID, err := uuid.Parse(chi.URLParam(r, "fillId"))
	if err != nil {
		s.writeBadRequest(w, "invalid fill id")
		return
	}
	fill, err := s.Orders.GetFill(r.Context(), id, fillID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fill)
}

func (s *Server) orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}
