package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// authMiddleware accepts either "Authorization: Bearer <token>" or
// "?token=<token>". An empty token disables the check.
func authMiddleware(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenMatches(r, tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenMatches(r *http.Request, tok string) bool {
	got := r.URL.Query().Get("token")
	if got == "" {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if !strings.HasPrefix(ah, p) {
			return false
		}
		got = strings.TrimSpace(strings.TrimPrefix(ah, p))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
