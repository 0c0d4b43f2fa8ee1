// Package auth guards the internal HTTP endpoints. Callers present
// either the static operator token or an HS256-signed JWT.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Config holds the accepted credentials. Either field may be empty;
// a request passes if it satisfies one of the configured modes.
type Config struct {
	HS256Secret string
	StaticToken string
}

// Middleware returns HTTP middleware that rejects requests without a
// valid bearer credential.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}
			if tok == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if cfg.StaticToken != "" &&
				subtle.ConstantTimeCompare([]byte(tok), []byte(cfg.StaticToken)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.HS256Secret != "" {
				claims := jwt.MapClaims{}
				t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(cfg.HS256Secret), nil
				})
				if err == nil && t.Valid {
					next.ServeHTTP(w, r)
					return
				}
				log.Warn().Err(err).Msg("jwt validation failed")
			}

			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}
