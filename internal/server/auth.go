package server

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"stevedore/internal/auth"
	"stevedore/internal/config"
	"stevedore/internal/logging"
)

// authenticator enforces the HTTP Basic check on /v2/ and /api/ paths.
// Failed attempts consume a per-IP budget before the verifier runs again, so
// repeated wrong passwords cost the client, not the server.
type authenticator struct {
	cfg      config.AuthConfig
	failures *rateLimiter
	logger   *slog.Logger
}

func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *authenticator {
	return &authenticator{
		cfg: cfg,
		// One failed attempt per 2 seconds sustained, bursts of 10.
		failures: newRateLimiter(rate.Limit(0.5), 10),
		logger:   logging.Default(logger).With("component", "auth"),
	}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	if !a.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v2") && !strings.HasPrefix(r.URL.Path, "/api") {
			next.ServeHTTP(w, r)
			return
		}
		if a.authorize(w, r) {
			next.ServeHTTP(w, r)
		}
	})
}

// authorize checks the Basic credentials, writing the error response itself
// when they are missing or wrong.
func (a *authenticator) authorize(w http.ResponseWriter, r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if ok && user == a.cfg.Username {
		match, err := auth.VerifyPassword(pass, a.cfg.Password)
		if err != nil {
			a.logger.Error("password verification failed", "error", err)
			writeV2Error(w, http.StatusInternalServerError, codeUnknown, "authentication unavailable")
			return false
		}
		if match {
			return true
		}
	}

	ip := clientIP(r)
	if !a.failures.allow(ip) {
		a.logger.Warn("auth attempts rate limited", "ip", ip)
		w.Header().Set("Retry-After", "60")
		writeV2Error(w, http.StatusTooManyRequests, codeUnauthorized, "too many failed attempts")
		return false
	}

	w.Header().Set("WWW-Authenticate", `Basic realm="Docker Registry"`)
	writeV2Error(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
	return false
}
