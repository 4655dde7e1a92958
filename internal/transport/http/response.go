package httptransport

import (
	"encoding/json"
	"net/http"
)

// apiError carries a human message plus a stable machine-readable kind so
// pollers can branch (rejected vs not_ready vs not_found) without parsing
// message text.
type apiError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

func writeErrKind(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, apiError{Message: msg, Kind: kind})
}
