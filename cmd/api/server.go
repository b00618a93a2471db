package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"escrowflow/escrow"
	"escrowflow/money"
	"escrowflow/wallet"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	escrowOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_operations_total",
		Help: "Engine operations by outcome",
	}, []string{"op", "outcome"})
)

// Server exposes the escrow engine's operations over HTTP. It is a thin
// translation layer: decode, call the engine, map the error class onto a
// status code.
type Server struct {
	engine         *escrow.Engine
	logger         zerolog.Logger
	confirmTimeout time.Duration

	// sim is set when the wallet simulator backs the engine; it enables the
	// dev-only faucet endpoint.
	sim *wallet.Simulator
}

// NewServer wires the HTTP layer around an engine.
func NewServer(engine *escrow.Engine, logger zerolog.Logger, confirmTimeout time.Duration) *Server {
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	return &Server{engine: engine, logger: logger, confirmTimeout: confirmTimeout}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments", s.handleCreatePayment)
		r.Get("/payments/{paymentID}", s.handleGetPayment)
		r.Post("/payments/{paymentID}/fund", s.handleFundPayment)
		r.Post("/payments/{paymentID}/release", s.handleReleasePayment)
		r.Post("/payments/{paymentID}/refund", s.handleRefundPayment)
		r.Post("/payments/{paymentID}/dispute", s.handleCreateDispute)
		r.Post("/payments/{paymentID}/resolve", s.handleResolveDispute)
		r.Get("/payments/{paymentID}/dispute", s.handleGetDispute)

		r.Post("/orders/{orderID}/deposit", s.handleDeposit)
		r.Post("/orders/{orderID}/release", s.handleReleaseToSupplier)
		r.Get("/orders/{orderID}/balance", s.handleGetBalance)
		r.Get("/orders/{orderID}/payments", s.handleOrderPayments)

		if s.sim != nil {
			r.Post("/faucet", s.handleFaucet)
		}
	})

	return r
}

type paymentResponse struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"order_id"`
	Buyer           string `json:"buyer"`
	Supplier        string `json:"supplier"`
	Amount          string `json:"amount"`
	State           string `json:"state"`
	PaymentType     string `json:"payment_type"`
	MilestoneNumber int    `json:"milestone_number,omitempty"`
	TotalMilestones int    `json:"total_milestones,omitempty"`
	DocumentHash    string `json:"document_hash,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func toPaymentResponse(p *escrow.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		OrderID:         p.OrderID,
		Buyer:           p.Buyer,
		Supplier:        p.Supplier,
		Amount:          money.Format(p.Amount),
		State:           string(p.State),
		PaymentType:     string(p.Type),
		MilestoneNumber: p.MilestoneNumber,
		TotalMilestones: p.TotalMilestones,
		DocumentHash:    p.DocumentHash,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	PaymentID  int64  `json:"payment_id"`
	Reason     string `json:"reason"`
	Evidence   string `json:"evidence,omitempty"`
	Resolved   bool   `json:"resolved"`
	Resolution string `json:"resolution,omitempty"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

func toDisputeResponse(d *escrow.Dispute) disputeResponse {
	resp := disputeResponse{
		PaymentID:  d.PaymentID,
		Reason:     d.Reason,
		Evidence:   d.Evidence,
		Resolved:   d.Resolved,
		Resolution: d.Resolution,
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
	}
	if d.ResolvedAt != nil {
		resp.ResolvedAt = d.ResolvedAt.Format(time.RFC3339)
	}
	return resp
}

type confirmationResponse struct {
	PaymentID int64  `json:"payment_id,omitempty"`
	OrderID   int64  `json:"order_id"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee,omitempty"`
	Payout    string `json:"payout,omitempty"`
	Balance   string `json:"balance,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
}

func toConfirmationResponse(c *escrow.Confirmation) confirmationResponse {
	resp := confirmationResponse{
		PaymentID: c.PaymentID,
		OrderID:   c.OrderID,
		Amount:    money.Format(c.Amount),
	}
	if c.Fee > 0 || c.Payout > 0 {
		resp.Fee = money.Format(c.Fee)
		resp.Payout = money.Format(c.Payout)
	}
	if c.Balance > 0 {
		resp.Balance = money.Format(c.Balance)
	}
	if c.Receipt != nil {
		resp.ReceiptID = c.Receipt.HandleID
	}
	return resp
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID         int64  `json:"order_id"`
		Buyer           string `json:"buyer"`
		Supplier        string `json:"supplier"`
		Amount          string `json:"amount"`
		PaymentType     string `json:"payment_type"`
		MilestoneNumber int    `json:"milestone_number"`
		TotalMilestones int    `json:"total_milestones"`
		DocumentHash    string `json:"document_hash"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		s.writeError(w, r, "create", &escrow.ValidationError{Field: "amount", Reason: err.Error()})
		return
	}
	ptype := escrow.PaymentType(req.PaymentType)
	if req.PaymentType == "" {
		ptype = escrow.TypeFullPayment
	}

	p, err := s.engine.CreatePayment(r.Context(), escrow.CreatePaymentParams{
		OrderID:         req.OrderID,
		Buyer:           req.Buyer,
		Supplier:        req.Supplier,
		Amount:          amount,
		Type:            ptype,
		MilestoneNumber: req.MilestoneNumber,
		TotalMilestones: req.TotalMilestones,
		DocumentHash:    req.DocumentHash,
	})
	if err != nil {
		s.writeError(w, r, "create", err)
		return
	}
	s.writeJSON(w, r, "create", http.StatusCreated, toPaymentResponse(p))
}

func (s *Server) handleFundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		s.writeError(w, r, "fund", &escrow.ValidationError{Field: "amount", Reason: err.Error()})
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()
	conf, err := s.engine.FundPayment(ctx, id, amount)
	if err != nil {
		s.writeError(w, r, "fund", err)
		return
	}
	s.writeJSON(w, r, "fund", http.StatusOK, toConfirmationResponse(conf))
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	conf, err := s.engine.ReleasePayment(ctx, id)
	if err != nil {
		s.writeError(w, r, "release", err)
		return
	}
	s.writeJSON(w, r, "release", http.StatusOK, toConfirmationResponse(conf))
}

func (s *Server) handleRefundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	conf, err := s.engine.RefundPayment(ctx, id)
	if err != nil {
		s.writeError(w, r, "refund", err)
		return
	}
	s.writeJSON(w, r, "refund", http.StatusOK, toConfirmationResponse(conf))
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	var req struct {
		Reason   string `json:"reason"`
		Evidence string `json:"evidence"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.engine.CreateDispute(r.Context(), id, req.Reason, req.Evidence)
	if err != nil {
		s.writeError(w, r, "dispute", err)
		return
	}
	s.writeJSON(w, r, "dispute", http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	var req struct {
		Resolution string `json:"resolution"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.engine.ResolveDispute(r.Context(), id, req.Resolution)
	if err != nil {
		s.writeError(w, r, "resolve", err)
		return
	}
	s.writeJSON(w, r, "resolve", http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	p, err := s.engine.GetPayment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "get_payment", err)
		return
	}
	s.writeJSON(w, r, "get_payment", http.StatusOK, toPaymentResponse(p))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	d, err := s.engine.GetDispute(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "get_dispute", err)
		return
	}
	s.writeJSON(w, r, "get_dispute", http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req struct {
		From   string `json:"from"`
		Amount string `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		s.writeError(w, r, "deposit", &escrow.ValidationError{Field: "amount", Reason: err.Error()})
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()
	conf, err := s.engine.Deposit(ctx, orderID, req.From, amount)
	if err != nil {
		s.writeError(w, r, "deposit", err)
		return
	}
	s.writeJSON(w, r, "deposit", http.StatusOK, toConfirmationResponse(conf))
}

func (s *Server) handleReleaseToSupplier(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req struct {
		Supplier string `json:"supplier"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()
	conf, err := s.engine.ReleaseToSupplier(ctx, orderID, req.Supplier)
	if err != nil {
		s.writeError(w, r, "release_order", err)
		return
	}
	s.writeJSON(w, r, "release_order", http.StatusOK, toConfirmationResponse(conf))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathID(w, r, "orderID")
	if !ok {
		return
	}
	balance, err := s.engine.GetBalance(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, "get_balance", err)
		return
	}
	s.writeJSON(w, r, "get_balance", http.StatusOK, map[string]string{"balance": money.Format(balance)})
}

func (s *Server) handleOrderPayments(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathID(w, r, "orderID")
	if !ok {
		return
	}
	ids, err := s.engine.GetOrderPayments(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, "order_payments", err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	s.writeJSON(w, r, "order_payments", http.StatusOK, map[string][]int64{"payment_ids": ids})
}

// handleFaucet mints simulator funds. Dev only; never registered against a
// real transport.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil || amount <= 0 || req.Account == "" {
		s.writeError(w, r, "faucet", &escrow.ValidationError{Field: "amount", Reason: "positive amount and account required"})
		return
	}
	s.sim.Mint(req.Account, amount)
	s.writeJSON(w, r, "faucet", http.StatusOK, map[string]string{
		"account": req.Account,
		"balance": money.Format(s.sim.Balance(req.Account)),
	})
}

// opContext bounds a fund-moving operation by the confirmation timeout so a
// stalled transport surfaces as a retryable error instead of hanging the
// request.
func (s *Server) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.confirmTimeout)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, "decode", &escrow.ValidationError{Field: "body", Reason: "malformed JSON"})
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, "path", &escrow.ValidationError{Field: name, Reason: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

// routeLabel returns the chi route pattern so metric labels stay bounded
// instead of growing with every payment id.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, op string, status int, payload any) {
	escrowOpsTotal.WithLabelValues(op, "ok").Inc()
	httpRequestsTotal.WithLabelValues(r.Method, routeLabel(r), strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeError maps the engine's error classes onto status codes: validation
// 400, missing records 404, guard rejections 409, balance shortfalls 422,
// transport failures 502 with a retry hint.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	retryable := false
	switch {
	case escrow.IsValidation(err):
		status = http.StatusBadRequest
	case escrow.IsNotFound(err):
		status = http.StatusNotFound
	case escrow.IsStateGuard(err):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrBalanceConflict), errors.Is(err, escrow.ErrStateConflict):
		// A lost balance or state race is a retryable conflict, not a fault.
		status = http.StatusConflict
	case escrow.IsInsufficientBalance(err):
		status = http.StatusUnprocessableEntity
	case wallet.IsTransport(err):
		status = http.StatusBadGateway
		retryable = true
	}

	escrowOpsTotal.WithLabelValues(op, "error").Inc()
	httpRequestsTotal.WithLabelValues(r.Method, routeLabel(r), strconv.Itoa(status)).Inc()

	evt := s.logger.Warn()
	if status >= 500 {
		evt = s.logger.Error()
	}
	evt.Err(err).Str("op", op).Int("status", status).Msg("request rejected")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Retryable: retryable})
}
