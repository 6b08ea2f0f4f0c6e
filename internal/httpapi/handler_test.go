package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/settlement"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testUserHeader = "X-Test-User"

type apiHarness struct {
	router  *gin.Engine
	ledger  *ledger.Service
	cleanup func()
}

func newAPIHarness(test *testing.T) apiHarness {
	test.Helper()
	store := memstore.New()
	now := func() int64 { return 1_700_000_000 }
	ledgerService, err := ledger.NewService(store, now, ledger.WithPinCost(bcrypt.MinCost))
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	var counter atomic.Int64
	coordinator, err := settlement.NewCoordinator(ledgerService, store, now,
		settlement.WithLogger(zap.NewNop()),
		settlement.WithDeliveryDelay(time.Hour),
		settlement.WithIDGenerator(func() string { return fmt.Sprintf("order-%d", counter.Add(1)) }),
	)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	test.Cleanup(coordinator.Close)

	cfg := Config{SessionSigningKey: "secret-key", AdminUserIDs: []string{"admin"}}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	handler := NewHandler(cfg, ledgerService, coordinator, zap.NewNop())
	return apiHarness{router: NewRouter(cfg, handler, headerSession), ledger: ledgerService}
}

// headerSession stands in for the cookie validator in handler tests.
func headerSession(ctx *gin.Context) {
	userID := ctx.GetHeader(testUserHeader)
	if userID == "" {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.Set(claimsContextKey, &sessionvalidator.Claims{UserID: userID})
	ctx.Next()
}

func (h apiHarness) call(test *testing.T, userID string, method string, path string, payload any) (int, map[string]any) {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("encode payload: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set(testUserHeader, userID)
	}
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, request)
	var decoded map[string]any
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder.Code, decoded
}

func (h apiHarness) deposit(test *testing.T, userID string, amount string) {
	test.Helper()
	status, body := h.call(test, "admin", http.MethodPost, "/api/admin/wallets/"+userID+"/deposits", map[string]any{
		"amount":          amount,
		"idempotency_key": "seed-" + userID,
	})
	if status != http.StatusOK {
		test.Fatalf("deposit status %d: %v", status, body)
	}
}

func walletOf(test *testing.T, h apiHarness, userID string) map[string]any {
	test.Helper()
	status, body := h.call(test, userID, http.MethodGet, "/api/wallet", nil)
	if status != http.StatusOK {
		test.Fatalf("wallet status %d: %v", status, body)
	}
	return body["wallet"].(map[string]any)
}

func orderField(body map[string]any, field string) any {
	order, _ := body["order"].(map[string]any)
	return order[field]
}

func errorCode(body map[string]any) string {
	payload, _ := body["error"].(map[string]any)
	code, _ := payload["code"].(string)
	return code
}

func twoSellerCart() map[string]any {
	return map[string]any{
		"items": []map[string]any{
			{"product_id": "mug", "seller_id": "seller-a", "unit_price": "30.00", "quantity": 1, "available_stock": 5},
			{"product_id": "vase", "seller_id": "seller-b", "unit_price": "40", "quantity": 1, "available_stock": 5},
		},
		"payment_method": "wallet",
		"shipping":       map[string]any{"recipient_name": "Ana", "city": "Lisbon"},
	}
}

func TestOrderLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)
	h.deposit(test, "buyer", "100.00")

	status, body := h.call(test, "buyer", http.MethodPost, "/api/orders", twoSellerCart())
	if status != http.StatusCreated {
		test.Fatalf("create status %d: %v", status, body)
	}
	orderID := orderField(body, "order_id").(string)
	if orderField(body, "total") != "70.00" || orderField(body, "status") != "pending" {
		test.Fatalf("unexpected order %v", body)
	}

	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/pay", nil)
	if status != http.StatusOK || orderField(body, "status") != "packed" || orderField(body, "payment_status") != "paid" {
		test.Fatalf("pay status %d: %v", status, body)
	}
	if wallet := walletOf(test, h, "seller-a"); wallet["pending"] != "30.00" || wallet["available"] != "0.00" {
		test.Fatalf("unexpected seller-a wallet %v", wallet)
	}

	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/ship", map[string]any{"tracking_number": "TRK-1"})
	if status != http.StatusForbidden {
		test.Fatalf("buyer must not ship, got %d: %v", status, body)
	}
	status, body = h.call(test, "seller-a", http.MethodPost, "/api/orders/"+orderID+"/ship", map[string]any{"courier": "DHL", "tracking_number": "TRK-1"})
	if status != http.StatusOK || orderField(body, "status") != "shipped" {
		test.Fatalf("ship status %d: %v", status, body)
	}

	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/cancel", map[string]any{"reason": "late"})
	if status != http.StatusConflict || errorCode(body) != "invalid_state_transition" {
		test.Fatalf("cancel after ship should conflict, got %d: %v", status, body)
	}

	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/confirm-delivery", nil)
	if status != http.StatusOK || orderField(body, "status") != "delivered" {
		test.Fatalf("confirm status %d: %v", status, body)
	}
	if wallet := walletOf(test, h, "seller-b"); wallet["available"] != "40.00" || wallet["pending"] != "0.00" {
		test.Fatalf("unexpected seller-b wallet %v", wallet)
	}
	buyerWallet := walletOf(test, h, "buyer")
	if buyerWallet["available"] != "30.00" {
		test.Fatalf("unexpected buyer wallet %v", buyerWallet)
	}
	if transactions := buyerWallet["transactions"].([]any); len(transactions) != 3 {
		test.Fatalf("expected deposit and two payments, got %d", len(transactions))
	}

	status, body = h.call(test, "seller-b", http.MethodGet, "/api/orders/"+orderID, nil)
	if status != http.StatusOK {
		test.Fatalf("seller should read the order, got %d: %v", status, body)
	}
	status, _ = h.call(test, "stranger", http.MethodGet, "/api/orders/"+orderID, nil)
	if status != http.StatusNotFound {
		test.Fatalf("stranger should not see the order, got %d", status)
	}
	status, body = h.call(test, "buyer", http.MethodGet, "/api/orders", nil)
	if status != http.StatusOK || len(body["orders"].([]any)) != 1 {
		test.Fatalf("list status %d: %v", status, body)
	}
}

func TestSellerCanConfirmDelivery(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)
	h.deposit(test, "buyer", "100")
	_, body := h.call(test, "buyer", http.MethodPost, "/api/orders", twoSellerCart())
	orderID := orderField(body, "order_id").(string)
	h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/pay", nil)
	h.call(test, "seller-a", http.MethodPost, "/api/orders/"+orderID+"/ship", map[string]any{"tracking_number": "TRK-2"})

	status, body := h.call(test, "stranger", http.MethodPost, "/api/orders/"+orderID+"/confirm-delivery", nil)
	if status != http.StatusForbidden {
		test.Fatalf("stranger must not confirm, got %d: %v", status, body)
	}
	status, body = h.call(test, "seller-b", http.MethodPost, "/api/orders/"+orderID+"/confirm-delivery", nil)
	if status != http.StatusOK || orderField(body, "status") != "delivered" {
		test.Fatalf("seller confirm status %d: %v", status, body)
	}
	if wallet := walletOf(test, h, "seller-a"); wallet["available"] != "30.00" || wallet["pending"] != "0.00" {
		test.Fatalf("unexpected seller-a wallet %v", wallet)
	}
}

func TestPayWithInsufficientBalanceKeepsOrderPending(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)
	h.deposit(test, "buyer", "50")

	_, body := h.call(test, "buyer", http.MethodPost, "/api/orders", twoSellerCart())
	orderID := orderField(body, "order_id").(string)

	status, body := h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/pay", nil)
	if status != http.StatusPaymentRequired || errorCode(body) != "insufficient_balance" {
		test.Fatalf("expected 402 insufficient_balance, got %d: %v", status, body)
	}
	_, body = h.call(test, "buyer", http.MethodGet, "/api/orders/"+orderID, nil)
	if orderField(body, "status") != "pending" || orderField(body, "payment_status") != "unpaid" {
		test.Fatalf("order must stay pending/unpaid: %v", body)
	}
	if wallet := walletOf(test, h, "buyer"); wallet["available"] != "50.00" {
		test.Fatalf("buyer balance must be untouched: %v", wallet)
	}
}

func TestPinGuardsPayment(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)
	h.deposit(test, "buyer", "100")

	status, body := h.call(test, "buyer", http.MethodPost, "/api/wallet/pin", map[string]any{"pin": "1234"})
	if status != http.StatusOK {
		test.Fatalf("set pin status %d: %v", status, body)
	}
	_, body = h.call(test, "buyer", http.MethodPost, "/api/orders", twoSellerCart())
	orderID := orderField(body, "order_id").(string)

	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/pay", map[string]any{"pin": "9999"})
	if status != http.StatusForbidden || errorCode(body) != "invalid_pin" {
		test.Fatalf("expected invalid_pin, got %d: %v", status, body)
	}
	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/pay", map[string]any{"pin": "1234"})
	if status != http.StatusOK {
		test.Fatalf("pay with pin status %d: %v", status, body)
	}
}

func TestCancelRefundsBuyer(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)
	h.deposit(test, "buyer", "100")
	_, body := h.call(test, "buyer", http.MethodPost, "/api/orders", twoSellerCart())
	orderID := orderField(body, "order_id").(string)
	h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/pay", nil)

	status, body := h.call(test, "seller-a", http.MethodPost, "/api/orders/"+orderID+"/cancel", nil)
	if status != http.StatusForbidden {
		test.Fatalf("seller must not cancel, got %d: %v", status, body)
	}
	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/cancel", map[string]any{"reason": "changed my mind"})
	if status != http.StatusOK || orderField(body, "payment_status") != "refunded" || orderField(body, "cancel_reason") != "changed my mind" {
		test.Fatalf("cancel status %d: %v", status, body)
	}
	if wallet := walletOf(test, h, "buyer"); wallet["available"] != "100.00" {
		test.Fatalf("buyer not refunded: %v", wallet)
	}
	if wallet := walletOf(test, h, "seller-a"); wallet["pending"] != "0.00" {
		test.Fatalf("seller hold not released: %v", wallet)
	}
}

func TestCreateOrderValidation(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)
	testCases := []struct {
		name         string
		payload      map[string]any
		expectedCode string
	}{
		{
			name:         "empty cart",
			payload:      map[string]any{"items": []any{}},
			expectedCode: "empty_cart",
		},
		{
			name: "fractional cents",
			payload: map[string]any{"items": []map[string]any{
				{"product_id": "mug", "seller_id": "seller-a", "unit_price": "1.005", "quantity": 1, "available_stock": 5},
			}},
			expectedCode: "invalid_amount",
		},
		{
			name: "stock exceeded",
			payload: map[string]any{"items": []map[string]any{
				{"product_id": "mug", "seller_id": "seller-a", "unit_price": "1", "quantity": 6, "available_stock": 5},
			}},
			expectedCode: "insufficient_stock",
		},
		{
			name: "own product",
			payload: map[string]any{"items": []map[string]any{
				{"product_id": "mug", "seller_id": "buyer", "unit_price": "1", "quantity": 1, "available_stock": 5},
			}},
			expectedCode: "self_purchase",
		},
		{
			name: "card payment",
			payload: map[string]any{
				"items":          []map[string]any{{"product_id": "mug", "seller_id": "seller-a", "unit_price": "1", "quantity": 1, "available_stock": 5}},
				"payment_method": "card",
			},
			expectedCode: "unsupported_payment_method",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			status, body := h.call(test, "buyer", http.MethodPost, "/api/orders", testCase.payload)
			if status != http.StatusBadRequest || errorCode(body) != testCase.expectedCode {
				test.Fatalf("expected 400 %s, got %d: %v", testCase.expectedCode, status, body)
			}
		})
	}
}

func TestAdminEndpoints(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)

	status, _ := h.call(test, "buyer", http.MethodPost, "/api/admin/wallets/buyer/deposits", map[string]any{"amount": "5", "idempotency_key": "k"})
	if status != http.StatusForbidden {
		test.Fatalf("non-admin deposit must be forbidden, got %d", status)
	}
	h.deposit(test, "buyer", "10")
	status, body := h.call(test, "admin", http.MethodPost, "/api/admin/wallets/buyer/deposits", map[string]any{"amount": "10", "idempotency_key": "seed-buyer"})
	if status != http.StatusConflict || errorCode(body) != "duplicate_request" {
		test.Fatalf("replayed deposit must conflict, got %d: %v", status, body)
	}

	status, body = h.call(test, "admin", http.MethodPost, "/api/admin/wallets/buyer/status", map[string]any{"active": false})
	if status != http.StatusOK || body["is_active"] != false {
		test.Fatalf("deactivate status %d: %v", status, body)
	}
	_, body = h.call(test, "buyer", http.MethodPost, "/api/orders", twoSellerCart())
	orderID := orderField(body, "order_id").(string)
	status, body = h.call(test, "buyer", http.MethodPost, "/api/orders/"+orderID+"/pay", nil)
	if status != http.StatusForbidden || errorCode(body) != "wallet_inactive" {
		test.Fatalf("inactive buyer must be rejected, got %d: %v", status, body)
	}

	status, _ = h.call(test, "admin", http.MethodPost, "/api/admin/wallets/ghost/status", map[string]any{"active": true})
	if status != http.StatusNotFound {
		test.Fatalf("unknown wallet status change should 404, got %d", status)
	}
	status, _ = h.call(test, "admin", http.MethodPost, "/api/admin/wallets/buyer/status", map[string]any{})
	if status != http.StatusBadRequest {
		test.Fatalf("missing active flag should 400, got %d", status)
	}
}

func TestUnauthenticatedRequestsAreRejected(test *testing.T) {
	test.Parallel()
	h := newAPIHarness(test)
	status, _ := h.call(test, "", http.MethodGet, "/api/wallet", nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", status)
	}
	status, _ = h.call(test, "", http.MethodGet, "/healthz", nil)
	if status != http.StatusOK {
		test.Fatalf("healthz should be public, got %d", status)
	}
}

func TestClassifyErrorPrefersPartialFailure(test *testing.T) {
	test.Parallel()
	err := fmt.Errorf("%w: %w", ledger.ErrPaymentPartialFailure, ledger.ErrWalletInactive)
	status, code := classifyError(err)
	if status != http.StatusConflict || code != "payment_failed" {
		test.Fatalf("expected payment_failed, got %d %s", status, code)
	}
	status, code = classifyError(context.DeadlineExceeded)
	if status != http.StatusInternalServerError || code != "internal_error" {
		test.Fatalf("expected internal_error, got %d %s", status, code)
	}
}
