package bearer

import (
	"net/http"
	"net/url"
	"strings"
)

// cookieNames is the probe order for auth cookies set by the hosted auth
// backend. Order matters: the access token wins over refresh/session cookies.
var cookieNames = []string{
	"sb-access-token",
	"sb-refresh-token",
	"sb-auth-token",
	"sb:token",
	"supabase-auth-token",
}

// FromHeaders extracts an opaque bearer token from a raw Cookie header and an
// optional Authorization header. It returns the first cookie matching the
// known-name priority list, falling back to "Authorization: Bearer <token>".
// The token shape is not validated.
func FromHeaders(cookieHeader, authorizationHeader string) (string, bool) {
	cookies := parseCookieHeader(cookieHeader)
	for _, name := range cookieNames {
		if v, ok := cookies[name]; ok && v != "" {
			return v, true
		}
	}
	const prefix = "Bearer "
	if strings.HasPrefix(authorizationHeader, prefix) {
		if token := strings.TrimSpace(authorizationHeader[len(prefix):]); token != "" {
			return token, true
		}
	}
	return "", false
}

// FromRequest is a convenience wrapper over FromHeaders.
func FromRequest(r *http.Request) (string, bool) {
	return FromHeaders(r.Header.Get("Cookie"), r.Header.Get("Authorization"))
}

// parseCookieHeader splits on ";" and on the first "=" of each pair.
// Values are URL-unescaped when possible; malformed pairs are skipped.
func parseCookieHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if unescaped, err := url.QueryUnescape(value); err == nil {
			value = unescaped
		}
		// first occurrence wins, matching browser cookie ordering
		if _, exists := out[name]; !exists {
			out[name] = value
		}
	}
	return out
}
