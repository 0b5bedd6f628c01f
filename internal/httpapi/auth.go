package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorize checks the static bearer token. Token comparison is constant-time
// so the token length is the only thing an attacker can probe.
func (s *Server) authorize(r *http.Request) *authError {
	if s.cfg.Token == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "invalid token",
		}
	}
	return nil
}
