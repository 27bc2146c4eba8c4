package response

import (
	"encoding/json"
	"net/http"
)

type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	// Retryable tells clients the failure is transient.
	Retryable bool `json:"retryable,omitempty"`
}

func JSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func Success(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	resp := APIResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	}
	JSON(w, statusCode, resp)
}

func Error(w http.ResponseWriter, statusCode int, message string, errDetail string) {
	resp := APIResponse{
		Status:  "error",
		Message: message,
		Error:   errDetail,
	}
	JSON(w, statusCode, resp)
}

// Retry reports a transient failure the client should try again later.
func Retry(w http.ResponseWriter, statusCode int, message string, errDetail string, retryAfterSeconds string) {
	if retryAfterSeconds != "" {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	JSON(w, statusCode, APIResponse{
		Status:    "error",
		Message:   message,
		Error:     errDetail,
		Retryable: true,
	})
}
