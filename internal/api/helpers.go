package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// writeJSON encodes body as the response. Encoding failures are logged; the status line
// is already sent by then.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}
