package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/mattjoyce/mcplocal/internal/protocol"
)

// ValidateToken returns true if provided matches configured.
// An empty configured token never validates.
func ValidateToken(provided string, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	if len(provided) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// ExtractBearerToken extracts a token from an Authorization: Bearer <token> header.
func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// authMiddleware is the single boundary check in front of /rpc.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearerToken(r)
		if err != nil || !ValidateToken(token, s.config.AuthToken) {
			reason := "invalid token"
			if err != nil {
				reason = err.Error()
			}
			s.logger.Warn("rejected rpc request", "reason", reason, "remote", r.RemoteAddr)
			writeRPCError(w, http.StatusUnauthorized, nil,
				protocol.NewError(protocol.CodeUnauthorized, "Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
