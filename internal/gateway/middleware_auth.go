package gateway

import (
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/OverClawApp/releases-sub001/internal/billing"
	"github.com/OverClawApp/releases-sub001/internal/requestctx"
)

// withAuth resolves the bearer token through the ledger. With requireBalance
// the caller must also hold at least the minimum balance.
func (s *server) withAuth(requireBalance bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "authentication_error", "Missing auth token")
			return
		}

		var (
			userID string
			err    error
		)
		if requireBalance {
			userID, err = billing.Admit(r.Context(), s.ledger, token, s.minBalance)
		} else {
			userID, err = s.ledger.Authenticate(r.Context(), token)
		}
		if err != nil {
			status, kind, msg := errorStatus(err)
			if status == http.StatusInternalServerError {
				s.log.Error().Err(err).Msg("ledger unavailable")
				status, kind, msg = http.StatusServiceUnavailable, "service_unavailable", "ledger unavailable"
			}
			s.writeError(w, status, kind, msg)
			return
		}

		if ok, wait := s.limiter.Allow(userID); !ok {
			w.Header().Set("retry-after", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			s.writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}

		next(w, r.WithContext(requestctx.WithUserID(r.Context(), userID)))
	}
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if len(authHeader) < len("bearer ") || !strings.EqualFold(authHeader[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authHeader[len("bearer "):])
}

// authorizeAdmin requires the configured admin token. Without one the admin
// surface stays closed.
func (s *server) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" {
		s.writeError(w, http.StatusForbidden, "permission_error", "admin token is not configured")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(adminTokenFromRequest(r)), []byte(s.adminToken)) != 1 {
		s.writeError(w, http.StatusUnauthorized, "authentication_error", "admin token is invalid")
		return false
	}
	return true
}

func adminTokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("x-admin-token")); token != "" {
		return token
	}
	return bearerToken(r.Header.Get("authorization"))
}

func requestClientIP(r *http.Request) string {
	if forwarded := firstHeaderValue(r.Header.Get("x-forwarded-for")); forwarded != "" {
		return forwarded
	}
	if realIP := strings.TrimSpace(r.Header.Get("x-real-ip")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return strings.TrimSpace(host)
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func firstHeaderValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, ','); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimSpace(raw)
}
