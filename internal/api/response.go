package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/troikalabs/chatflow/internal/models"
)

// fallbackErrorResponse is served when marshaling a response fails. It is
// pre-marshaled at startup so the failure path cannot itself fail.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("failed to marshal fallback error response: %v", err))
	}
}

// writeJSONResponse marshals response before touching the writer, so encoding
// errors can still change the status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: marshal failed", "error", err)
		body = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: write failed", "error", err)
	}
}
