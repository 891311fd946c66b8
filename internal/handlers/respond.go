package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// respondWithError sends a JSON error response.
func respondWithError(logger *zap.Logger, w http.ResponseWriter, code int, message string, err error) {
	logFields := []zap.Field{
		zap.Int("status_code", code),
		zap.String("error_message", message),
	}
	if err != nil {
		logFields = append(logFields, zap.Error(err))
	}
	if code >= http.StatusInternalServerError {
		logger.Error("HTTP handler error", logFields...)
	} else {
		logger.Debug("HTTP request rejected", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// respondWithJSON sends a JSON success response.
func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}
