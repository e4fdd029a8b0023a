package handlerutils

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
)

// JSON writes obj as the JSON response body
func JSON(w http.ResponseWriter, statusCode int, obj any) {
	if obj == nil {
		w.WriteHeader(statusCode)
		return
	}

	body, err := json.Marshal(obj)
	if err != nil {
		log.Printf("Error encoding JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// GetClientIP returns the address of the browser behind the request, honoring
// X-Forwarded-For and X-Real-IP set by a fronting proxy.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
