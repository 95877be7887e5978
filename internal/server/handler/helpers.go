package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v with the given status. A marshal failure degrades to a
// plain 500 so the client always gets JSON.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends the uniform {"error": msg} body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathParam reads a named path segment from the Go 1.22 mux.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
