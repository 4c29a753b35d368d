package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// OperatorKeyHeader is the alternative to a Bearer token for operator
// tooling that cannot set Authorization.
const OperatorKeyHeader = "X-API-Key"

// Auth guards operator routes (history, audit, redeem, event replay,
// metrics) with the configured API key. An empty key disables the check;
// config validation only allows that in demo mode.
func Auth(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := operatorToken(r)
			if !ok {
				writeUnauthorized(w, "missing operator key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				logger.WarnContext(r.Context(), "rejected operator key",
					slog.String("path", r.URL.Path),
					slog.String("remote", clientIP(r)),
				)
				writeUnauthorized(w, "invalid operator key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func operatorToken(r *http.Request) (string, bool) {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	token := strings.TrimSpace(r.Header.Get(OperatorKeyHeader))
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="giftd"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", msg)
}
