package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NewServer creates and configures an http.Server.
// It takes the listen address (e.g., ":8080"), the main router, and a logger.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logger.Info("HTTP server configured", zap.String("address", addr))
	return srv
}
