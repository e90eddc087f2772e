package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nullpaw/fragment-shop/internal/fragment"
	"github.com/nullpaw/fragment-shop/internal/purchase"
	"github.com/nullpaw/fragment-shop/internal/storage"
	"github.com/nullpaw/fragment-shop/internal/wallet"
)

// Server exposes the purchase entry point and the read APIs the presentation
// layers poll. Callers always receive one of a small set of typed outcomes,
// never a raw internal error.
type Server struct {
	orchestrator *purchase.Orchestrator
	ledger       *wallet.Ledger
	store        *storage.Storage
	log          *slog.Logger

	server *http.Server
}

// NewServer creates a new API server
func NewServer(orchestrator *purchase.Orchestrator, ledger *wallet.Ledger, store *storage.Storage, log *slog.Logger) *Server {
	return &Server{
		orchestrator: orchestrator,
		ledger:       ledger,
		store:        store,
		log:          log,
	}
}

// Start starts the API server
func (s *Server) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/purchase", s.handlePurchase)
	mux.HandleFunc("/purchases/", s.handleGetPurchase)
	mux.HandleFunc("/wallet/", s.handleWallet)
	mux.HandleFunc("/ops/refresh-log", s.handleRefreshLog)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		// Purchases block on the upstream call for up to its 30s timeout.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
	}

	s.log.Info("starting api server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type purchaseRequest struct {
	UserID    int64  `json:"user_id"`
	Product   string `json:"product"`
	Recipient string `json:"recipient,omitempty"`
	Country   string `json:"country,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Months    int    `json:"months,omitempty"`
	Price     int64  `json:"price"`
	RequestID string `json:"request_id,omitempty"`
}

type purchaseResponse struct {
	PurchaseID   string                           `json:"purchase_id,omitempty"`
	Status       string                           `json:"status"`
	Duplicate    bool                             `json:"duplicate,omitempty"`
	Reason       string                           `json:"reason,omitempty"`
	Instructions []fragment.SettlementInstruction `json:"settlement_instructions,omitempty"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, purchaseResponse{Status: "rejected", Reason: "invalid body"})
		return
	}

	receipt, err := s.orchestrator.Purchase(r.Context(), purchase.Request{
		Product:   purchase.Product(req.Product),
		UserID:    req.UserID,
		Recipient: req.Recipient,
		Country:   req.Country,
		Quantity:  req.Quantity,
		Months:    req.Months,
		Price:     req.Price,
		RequestID: req.RequestID,
	})
	if err != nil {
		s.writePurchaseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, purchaseResponse{
		PurchaseID:   receipt.PurchaseID,
		Status:       receipt.Status,
		Duplicate:    receipt.Duplicate,
		Instructions: receipt.Instructions,
	})
}

func (s *Server) writePurchaseError(w http.ResponseWriter, err error) {
	var rejected *purchase.RejectedError
	var transient *purchase.TransientError

	switch {
	case errors.Is(err, purchase.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, purchaseResponse{Status: "rejected", Reason: "invalid request"})
	case errors.Is(err, purchase.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, purchaseResponse{Status: "rejected", Reason: "insufficient balance"})
	case errors.Is(err, purchase.ErrInProgress):
		writeJSON(w, http.StatusConflict, purchaseResponse{Status: "rejected", Reason: "purchase in progress"})
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, purchaseResponse{Status: "failed", Reason: rejected.Reason})
	case errors.As(err, &transient):
		writeJSON(w, http.StatusServiceUnavailable, purchaseResponse{Status: "failed", Reason: "transient"})
	default:
		s.log.Error("purchase", "error", err)
		writeJSON(w, http.StatusInternalServerError, purchaseResponse{Status: "failed", Reason: "internal"})
	}
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/purchases/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	p, err := s.orchestrator.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.log.Error("get purchase", "id", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purchase_id":    p.ID,
		"user_id":        p.UserID,
		"product":        p.Product,
		"price":          p.Price,
		"status":         p.Status,
		"external_tx_id": p.ExternalTxID,
		"created_at":     p.CreatedAt.Unix(),
	})
}

type depositRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

// handleWallet serves GET /wallet/{id} and POST /wallet/{id}/deposit.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/wallet/")

	if r.Method == http.MethodPost && strings.HasSuffix(rest, "/deposit") {
		s.handleDeposit(w, r, strings.TrimSuffix(rest, "/deposit"))
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wal, err := s.ledger.GetOrCreate(r.Context(), userID)
	if err != nil {
		s.log.Error("get wallet", "user_id", userID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         wal.UserID,
		"balance":         wal.Balance,
		"total_deposited": wal.TotalDeposited,
		"total_withdrawn": wal.TotalWithdrawn,
		"status":          wal.Status,
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, rawID string) {
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		req.Method = "manual"
	}

	if err := s.ledger.Deposit(r.Context(), userID, req.Amount, req.Method); err != nil {
		s.log.Error("deposit", "user_id", userID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

// handleRefreshLog exposes the credential refresh log read-only for
// operational tooling.
func (s *Server) handleRefreshLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.store.RecentRefreshLog(r.Context(), 50)
	if err != nil {
		s.log.Error("refresh log", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"status":            e.Status,
			"user_lookup_ok":    e.UserLookupOK,
			"price_lookup_ok":   e.PriceLookupOK,
			"premium_lookup_ok": e.PremiumLookupOK,
			"error":             e.Error,
			"duration_ms":       e.DurationMS,
			"created_at":        e.CreatedAt.Unix(),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
