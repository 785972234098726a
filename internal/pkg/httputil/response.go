package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorResponse is the error envelope every endpoint returns.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON serializes data with the given status. Encoding happens after the
// header is written, so a failure here can only be logged.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[HTTP] response encode error: %v", err)
	}
}

// OK writes a 200 with data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// NotFound writes a 404 with the given message.
func NotFound(w http.ResponseWriter, message string) {
	JSON(w, http.StatusNotFound, ErrorResponse{Error: message})
}

// InternalError writes a 500. The underlying error goes to the log only;
// clients get a generic message.
func InternalError(w http.ResponseWriter, err error) {
	log.Printf("[HTTP] internal error: %v", err)
	JSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}
