package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// RequireQuery returns a mandatory query parameter, writing 400 when it is
// absent
func RequireQuery(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val := r.URL.Query().Get(key)
	if val == "" {
		WriteBadRequest(w, fmt.Sprintf("missing query parameter: %s", key))
		return "", false
	}
	return val, true
}

// ParseQueryString extracts a string query parameter with a default value
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	if val := r.URL.Query().Get(key); val != "" {
		return val
	}
	return defaultVal
}
