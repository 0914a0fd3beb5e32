// Package server exposes the REST surface of the voucher swap service.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"voucherswap/fault"
	vsmw "voucherswap/middleware"
	"voucherswap/observability"
	"voucherswap/orders"
	"voucherswap/txqueue"
	"voucherswap/vault"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB     *gorm.DB
	Queue  *txqueue.Queue
	Orders *orders.Store
	Vault  *vault.Vault
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB     *gorm.DB
	Queue  *txqueue.Queue
	Orders *orders.Store
	Vault  *vault.Vault

	router http.Handler
}

// New constructs a configured HTTP router with idempotency support.
func New(cfg Config) *Server {
	srv := &Server{
		DB:     cfg.DB,
		Queue:  cfg.Queue,
		Orders: cfg.Orders,
		Vault:  cfg.Vault,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(func(next http.Handler) http.Handler { return vsmw.WithIdempotency(s.DB, next) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/transactions", func(tx chi.Router) {
			tx.Get("/pending", s.ListPendingTransactions)
			tx.Get("/{id}", s.GetTransaction)
			tx.Post("/{id}/update", s.UpdateTransactionStatus)
			tx.Post("/{id}/hash", s.UpdateTransactionHash)
		})

		api.Route("/selling-orders", func(so chi.Router) {
			so.Get("/", s.ListSellingOrders)
			so.Post("/", s.CreateSellingOrder)
			so.Get("/{id}", s.GetSellingOrder)
			so.Post("/{id}/activate", s.ActivateSellingOrder)
			so.Post("/{id}/cancel", s.CancelSellingOrder)
			so.Post("/{id}/fill", s.FillSellingOrder)
			so.Get("/{id}/fills", s.ListFills)
			so.Get("/{id}/fills/{fillId}", s.GetFill)
		})

		api.Route("/buying-orders", func(bo chi.Router) {
			bo.Get("/", s.ListBuyingOrders)
			bo.Post("/", s.CreateBuyingOrder)
			bo.Get("/{id}", s.GetBuyingOrder)
			bo.Post("/{id}/activate", s.ActivateBuyingOrder)
			bo.Post("/{id}/cancel", s.CancelBuyingOrder)
			bo.Post("/{id}/fill", s.FillBuyingOrder)
			bo.Post("/{id}/reveal", s.RevealVoucher)
			bo.Post("/{id}/upload-image", s.UploadImage)
			bo.Post("/{id}/request-download", s.RequestDownload)
			bo.Get("/{id}/download-image", s.DownloadImage)
		})
	})

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.HTTP().Observe(route, r.Method, ww.Status(), time.Since(start))
	})
}

// caller extracts the wallet address asserted by the request. Every mutating
// order operation is attributed to this identity.
func (s *Server) caller(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get("X-Wallet-Address"))
	if raw == "" {
		return "", errors.New("missing X-Wallet-Address header")
	}
	if !common.IsHexAddress(raw) {
		return "", errors.New("invalid wallet address")
	}
	return common.HexToAddress(raw).Hex(), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders service faults with their mapped status and marks
// whether a retry can succeed. Anything unrecognised becomes a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		s.writeJSON(w, fault.HTTPStatus(fe.Kind), map[string]any{
			"error":     fe.Msg,
			"kind":      string(fe.Kind),
			"retryable": fault.Retryable(fe.Kind),
		})
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": msg})
}
