package httpx

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// ErrorBody is the JSON shape of every non-2xx API response.
type ErrorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Operation     string `json:"operation,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
	Field         string `json:"field,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	WriteJSON(w, status, body)
}
