package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/wallet"
)

func newTestServer(t *testing.T) (*Server, *wallet.Simulator) {
	t.Helper()
	sim := wallet.NewSimulator()
	engine, err := escrow.NewEngine(ledger.NewMemoryStore(), sim, escrow.Options{
		FeeRateBps:     25,
		HoldingAccount: "escrow-holding",
		FeeAccount:     "platform-fees",
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	srv := NewServer(engine, zerolog.Nop(), 0)
	srv.sim = sim
	return srv, sim
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleCreatePayment_Success(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"buyer-1","supplier":"supplier-1","amount":"100.00"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp paymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == 0 || resp.State != "created" || resp.Amount != "100.00" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.PaymentType != "full_payment" {
		t.Fatalf("expected full_payment default, got %q", resp.PaymentType)
	}
}

func TestHandleCreatePayment_ValidationError(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"acct-1","supplier":"acct-1","amount":"100.00"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreatePayment_SubCentAmount(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"buyer-1","supplier":"supplier-1","amount":"100.005"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleFundPayment_Success(t *testing.T) {
	srv, sim := newTestServer(t)
	sim.Mint("buyer-1", 10000)

	rec := doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"buyer-1","supplier":"supplier-1","amount":"100.00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}
	var created paymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	rec = doRequest(srv, http.MethodPost, "/api/payments/1/fund", `{"amount":"100.00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var conf confirmationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conf); err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	if conf.Amount != "100.00" || conf.ReceiptID == "" {
		t.Fatalf("unexpected confirmation: %+v", conf)
	}

	rec = doRequest(srv, http.MethodGet, "/api/payments/1", "")
	var got paymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if got.State != "funded" {
		t.Fatalf("expected funded, got %q", got.State)
	}
}

func TestHandleFundPayment_AmountMismatch(t *testing.T) {
	srv, sim := newTestServer(t)
	sim.Mint("buyer-1", 10000)
	doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"buyer-1","supplier":"supplier-1","amount":"100.00"}`)

	rec := doRequest(srv, http.MethodPost, "/api/payments/1/fund", `{"amount":"50.00"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleReleasePayment_FeeSplit(t *testing.T) {
	srv, sim := newTestServer(t)
	sim.Mint("buyer-1", 10000)
	doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"buyer-1","supplier":"supplier-1","amount":"100.00"}`)
	doRequest(srv, http.MethodPost, "/api/payments/1/fund", `{"amount":"100.00"}`)

	rec := doRequest(srv, http.MethodPost, "/api/payments/1/release", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var conf confirmationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conf); err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	if conf.Fee != "2.50" || conf.Payout != "97.50" {
		t.Fatalf("expected 2.50/97.50 split, got fee=%s payout=%s", conf.Fee, conf.Payout)
	}
	if got := sim.Balance("supplier-1"); got != 9750 {
		t.Fatalf("supplier balance = %d, want 9750", got)
	}
	if got := sim.Balance("platform-fees"); got != 250 {
		t.Fatalf("fee account balance = %d, want 250", got)
	}
}

func TestHandleReleasePayment_NotFunded(t *testing.T) {
	srv, _ := newTestServer(t)
	doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"buyer-1","supplier":"supplier-1","amount":"100.00"}`)

	rec := doRequest(srv, http.MethodPost, "/api/payments/1/release", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetPayment_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/payments/42", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetPayment_InvalidPath(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/payments/abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDispute_Lifecycle(t *testing.T) {
	srv, sim := newTestServer(t)
	sim.Mint("buyer-1", 10000)
	doRequest(srv, http.MethodPost, "/api/payments",
		`{"order_id":1,"buyer":"buyer-1","supplier":"supplier-1","amount":"100.00"}`)
	doRequest(srv, http.MethodPost, "/api/payments/1/fund", `{"amount":"100.00"}`)

	rec := doRequest(srv, http.MethodPost, "/api/payments/1/dispute",
		`{"reason":"goods not delivered","evidence":"tracking shows no movement"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// a release while disputed must be refused
	rec = doRequest(srv, http.MethodPost, "/api/payments/1/release", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 during dispute, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/api/payments/1/resolve",
		`{"resolution":"refund the buyer"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var d disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode dispute: %v", err)
	}
	if !d.Resolved || d.Resolution != "refund the buyer" || d.ResolvedAt == "" {
		t.Fatalf("unexpected dispute payload: %+v", d)
	}
}

func TestHandleDeposit_AndBalance(t *testing.T) {
	srv, sim := newTestServer(t)
	sim.Mint("buyer-1", 20000)

	rec := doRequest(srv, http.MethodPost, "/api/orders/7/deposit",
		`{"from":"buyer-1","amount":"150.00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(srv, http.MethodGet, "/api/orders/7/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if payload.Balance != "150.00" {
		t.Fatalf("expected balance 150.00, got %q", payload.Balance)
	}
}

func TestHandleDeposit_InsufficientFunds(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/orders/7/deposit",
		`{"from":"broke-buyer","amount":"150.00"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleOrderPayments_Empty(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/orders/9/payments", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		PaymentIDs []int64 `json:"payment_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.PaymentIDs) != 0 {
		t.Fatalf("expected empty list, got %v", payload.PaymentIDs)
	}
}

func TestHandleFaucet_DevOnly(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/faucet",
		`{"account":"buyer-1","amount":"500.00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	srv.sim = nil
	rec = doRequest(srv, http.MethodPost, "/api/faucet",
		`{"account":"buyer-1","amount":"500.00"}`)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("faucet should be unrouted without simulator, got %d", rec.Code)
	}
}

func TestHandleMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/payments", `{"order_id":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWriteError_LedgerConflictsMapToConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	// A lost sweep or CAS race must surface as a retryable conflict, not as
	// an internal error.
	cases := []struct {
		name string
		err  error
	}{
		{"balance conflict", fmt.Errorf("escrow: sweep order 1: %w", escrow.ErrBalanceConflict)},
		{"state conflict", fmt.Errorf("escrow: payment 1: %w", escrow.ErrStateConflict)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/orders/1/release", nil)
			srv.writeError(rec, req, "sweep", tc.err)
			if rec.Code != http.StatusConflict {
				t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}
