package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/settlement"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

func TestRouterAcceptsSessionCookie(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret-key", AllowedOrigins: []string{"http://localhost:8000"}}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	store := memstore.New()
	now := func() int64 { return time.Now().Unix() }
	ledgerService, err := ledger.NewService(store, now)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	coordinator, err := settlement.NewCoordinator(ledgerService, store, now)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	test.Cleanup(coordinator.Close)
	validator, err := NewSessionValidator(cfg)
	if err != nil {
		test.Fatalf("validator: %v", err)
	}
	router := NewRouter(cfg, NewHandler(cfg, ledgerService, coordinator, zap.NewNop()), SessionMiddleware(validator))
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)

	request, err := http.NewRequest(http.MethodGet, server.URL+"/api/wallet", nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.AddCookie(buildSessionCookie(test, cfg, "cookie-user"))
	response, err := server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("unexpected status code: %d", response.StatusCode)
	}
	var envelope struct {
		Wallet walletPayload `json:"wallet"`
	}
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		test.Fatalf("failed to decode response: %v", err)
	}
	if envelope.Wallet.Available != "0.00" || len(envelope.Wallet.Transactions) != 0 {
		test.Fatalf("unexpected wallet %+v", envelope.Wallet)
	}

	anonymous, err := server.Client().Get(server.URL + "/api/wallet")
	if err != nil {
		test.Fatalf("anonymous request failed: %v", err)
	}
	defer anonymous.Body.Close()
	if anonymous.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401 without cookie, got %d", anonymous.StatusCode)
	}
}

func buildSessionCookie(test *testing.T, cfg Config, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}
