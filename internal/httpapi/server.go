// Package httpapi exposes wallets and orders over HTTP for authenticated marketplace users.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// NewSessionValidator builds the tauth cookie validator described by cfg.
func NewSessionValidator(cfg Config) (*sessionvalidator.Validator, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator, nil
}

// NewRouter wires every route behind CORS; /api routes require a session.
func NewRouter(cfg Config, handler *Handler, authenticate gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authenticate)

	api.GET("/wallet", handler.handleWallet)
	api.POST("/wallet/pin", handler.handleSetPin)

	api.GET("/orders", handler.handleListOrders)
	api.POST("/orders", handler.handleCreateOrder)
	api.GET("/orders/:id", handler.handleGetOrder)
	api.POST("/orders/:id/pay", handler.handlePayOrder)
	api.POST("/orders/:id/ship", handler.handleShipOrder)
	api.POST("/orders/:id/confirm-delivery", handler.handleConfirmDelivery)
	api.POST("/orders/:id/cancel", handler.handleCancelOrder)

	admin := api.Group("/admin")
	admin.POST("/wallets/:user_id/deposits", handler.handleAdminDeposit)
	admin.POST("/wallets/:user_id/status", handler.handleAdminStatus)

	return router
}

// SessionMiddleware stores validated claims where handlers read them.
func SessionMiddleware(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return validator.GinMiddleware(claimsContextKey)
}

// Serve runs the HTTP server until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, cfg Config, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
