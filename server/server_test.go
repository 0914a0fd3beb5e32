package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"voucherswap/models"
	"voucherswap/orders"
	"voucherswap/txqueue"
	"voucherswap/vault"
)

const (
	escrowAddr = "0x00000000000000000000000000000000000000EE"
	ownerAddr  = "0x1111111111111111111111111111111111111111"
	fillerAddr = "0x2222222222222222222222222222222222222222"
)

func fakeDeriver(secret string, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	copy(key, secret)
	copy(key[len(secret):], salt)
	return key, nil
}

type env struct {
	db     *gorm.DB
	server *httptest.Server
	queue  *txqueue.Queue
	store  *orders.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queue := txqueue.New(db, nil)
	store, err := orders.NewStore(orders.Config{
		DB:            db,
		ChainID:       1337,
		EscrowAddress: escrowAddr,
		Derive:        fakeDeriver,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	vlt, err := vault.NewVault(vault.Config{DB: db, Derive: fakeDeriver})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	srv := New(Config{DB: db, Queue: queue, Orders: store, Vault: vlt})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{db: db, server: ts, queue: queue, store: store}
}

func (e *env) request(t *testing.T, method, path, caller string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if caller != "" {
		req.Header.Set("X-Wallet-Address", caller)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	payload, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, payload
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.request(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSellingOrderLifecycle(t *testing.T) {
	e := newEnv(t)

	resp, body := e.request(t, http.MethodPost, "/api/v1/selling-orders", ownerAddr, map[string]any{
		"token":      "USDC",
		"amount":     "100000000",
		"fiatAmount": 100,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created struct {
		Order struct {
			OrderID uuid.UUID `json:"orderId"`
			Status  string    `json:"status"`
		} `json:"order"`
		Transaction struct {
			ID   uuid.UUID `json:"id"`
			Type string    `json:"type"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Order.Status != "pending" {
		t.Fatalf("expected pending order, got %s", created.Order.Status)
	}
	if created.Transaction.Type != string(models.IntentActivateSellingOrder) {
		t.Fatalf("expected activation entry, got %s", created.Transaction.Type)
	}

	// The activation entry shows up on the pending feed.
	resp, body = e.request(t, http.MethodGet, "/api/v1/transactions/pending", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending: expected 200, got %d", resp.StatusCode)
	}
	var feed struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(body, &feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed.Transactions) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(feed.Transactions))
	}

	// Settle and activate.
	txPath := "/api/v1/transactions/" + created.Transaction.ID.String()
	resp, body = e.request(t, http.MethodPost, txPath+"/update", "", map[string]string{"status": "submitted"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", resp.StatusCode, body)
	}
	resp, body = e.request(t, http.MethodPost, txPath+"/update", "", map[string]string{"status": "confirmed", "hash": "0xaaa"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", resp.StatusCode, body)
	}

	orderPath := "/api/v1/selling-orders/" + created.Order.OrderID.String()
	resp, body = e.request(t, http.MethodPost, orderPath+"/activate", "", map[string]string{"txHash": "0xaaa"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", resp.StatusCode, body)
	}

	// Fill by another party.
	voucher := `{"operationType":"cash_out","amount":100,"expiration":"27/12/31 23:59:59","reference":"REF-1"}`
	resp, body = e.request(t, http.MethodPost, orderPath+"/fill", fillerAddr, map[string]string{"voucherPayload": voucher}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("fill: expected 201, got %d: %s", resp.StatusCode, body)
	}

	// Self-fill is forbidden.
	resp, body = e.request(t, http.MethodPost, orderPath+"/fill", ownerAddr, map[string]string{"voucherPayload": voucher}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("self-fill: expected 403, got %d: %s", resp.StatusCode, body)
	}
}

func TestMutationsRequireWalletHeader(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.request(t, http.MethodPost, "/api/v1/selling-orders", "", map[string]any{
		"token":      "USDC",
		"amount":     "1",
		"fiatAmount": 1,
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without wallet header, got %d", resp.StatusCode)
	}
}

func TestVoucherMismatchIsUnprocessable(t *testing.T) {
	e := newEnv(t)
	resp, body := e.request(t, http.MethodPost, "/api/v1/buying-orders", ownerAddr, map[string]any{
		"token":          "USDC",
		"amount":         "100000000",
		"fiatAmount":     100,
		"voucherPayload": `{"operationType":"cash_out","amount":80,"expiration":"27/12/31 23:59:59","reference":"REF-1"}`,
		"secret":         "hunter2",
	}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", resp.StatusCode, body)
	}
	var fail struct {
		Kind      string `json:"kind"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(body, &fail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fail.Kind != "amount_mismatch" {
		t.Fatalf("expected amount_mismatch kind, got %q", fail.Kind)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	e := newEnv(t)
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}

	resp, first := e.request(t, http.MethodPost, "/api/v1/selling-orders", ownerAddr, map[string]any{
		"token":      "USDC",
		"amount":     "1",
		"fiatAmount": 1,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, first)
	}

	resp, second := e.request(t, http.MethodPost, "/api/v1/selling-orders", ownerAddr, map[string]any{
		"token":      "USDC",
		"amount":     "1",
		"fiatAmount": 1,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", resp.StatusCode)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("replay must return the recorded response verbatim")
	}

	var count int64
	if err := e.db.Model(&models.SellingOrder{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single order, got %d", count)
	}
}

func TestUnknownOrderIs404(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.request(t, http.MethodGet, "/api/v1/selling-orders/"+uuid.NewString(), "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
