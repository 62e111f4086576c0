package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// WriteJSON writes v as a JSON body with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// Nothing useful can be done about a failed write here
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error:   code,
		Code:    status,
		Message: message,
	})
}

// HealthCheckHandler handles health check requests
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

// NotFoundHandler handles 404 not found requests
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "not_found", "The requested resource was not found")
}

// MethodNotAllowedHandler handles 405 method not allowed requests
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "The requested method is not allowed for this resource")
}

// ForbiddenHandler rejects a request whose origin is not trusted
func ForbiddenHandler(w http.ResponseWriter, r *http.Request, reason string) {
	WriteJSON(w, http.StatusForbidden, ErrorResponse{
		Error:   "csrf_failed",
		Code:    http.StatusForbidden,
		Message: "CSRF verification failed. Request aborted.",
		Reason:  reason,
	})
}

// BadGatewayHandler reports an upstream failure
func BadGatewayHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusBadGateway, "bad_gateway", "The upstream service could not be reached")
}
