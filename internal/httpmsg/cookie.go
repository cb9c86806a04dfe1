package httpmsg

import (
	"fmt"
	"strings"
)

// ParseCookies splits a request's "Cookie" header into its key/value pairs.
func ParseCookies(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		out[part[:eq]] = part[eq+1:]
	}
	return out
}

// SetCookie builds the Set-Cookie header value for a freshly issued or
// refreshed session, per §4.9: path-scoped, HttpOnly, SameSite=Lax, with a
// Max-Age matching the store's TTL.
func SetCookie(name, value string, ttlSeconds int64) string {
	return fmt.Sprintf("%s=%s; Path=/; Max-Age=%d; HttpOnly; SameSite=Lax", name, value, ttlSeconds)
}

// NoCacheHeaders returns the header set that must accompany any response
// carrying a session cookie, so intermediate caches never serve a stale
// session view.
func NoCacheHeaders() map[string]string {
	return map[string]string{
		"Cache-Control": "no-cache, no-store, must-revalidate",
		"Pragma":        "no-cache",
		"Expires":       "0",
		"Vary":          "Cookie",
	}
}
