package auth

import (
	"net/http"
	"strings"
)

// CookieName is the cookie browser clients carry their token in
const CookieName = "access_token"

// TokenFromRequest returns the bearer token of a request: the Authorization
// header when present, else the access_token cookie. It returns "" when
// neither is set.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}
