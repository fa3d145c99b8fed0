package handlers

import (
	"encoding/json"
	"net/http"
)

const contentTypeJSON = "application/json"

// respondWithJSON writes payload with status code. If payload cannot be
// encoded the client gets a JSON 500 instead.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	w.Header().Set("Content-Type", contentTypeJSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}

	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
