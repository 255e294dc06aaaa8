// Provides authentication, CORS and request logging middleware.

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/maruel/tablesync/internal/server/dto"
	"github.com/maruel/tablesync/internal/server/handlers"
	"github.com/maruel/tablesync/internal/server/reqctx"
)

var (
	errUnauthorized   = errors.New("unauthorized")
	errInvalidAuthHdr = errors.New("invalid authorization header")
	errInvalidToken   = errors.New("invalid token")
	errInvalidClaims  = errors.New("invalid claims")
	errInvalidSubject = errors.New("invalid subject in token")
)

// bearerToken returns the token of the request. Browsers cannot set headers
// on a WebSocket handshake, so /ws also accepts a "token" query parameter.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if r.URL.Path == "/ws" {
			if t := r.URL.Query().Get("token"); t != "" {
				return t, nil
			}
		}
		return "", errUnauthorized
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errInvalidAuthHdr
	}
	return parts[1], nil
}

// validateJWT returns the subject of a valid HMAC-signed token.
func validateJWT(tokenString string, jwtSecret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidClaims
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errInvalidSubject
	}
	return sub, nil
}

// needsAuth reports whether path is protected when RequireAuth is set.
func needsAuth(path string) bool {
	if path == "/api/health" {
		return false
	}
	return path == "/ws" || strings.HasPrefix(path, "/api/")
}

// AuthMiddleware validates bearer tokens and adds the subject to the
// context. Requests without a token pass through unless cfg.RequireAuth is
// set; a token that is present must be valid.
func AuthMiddleware(cfg *handlers.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !needsAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			tokenString, err := bearerToken(r)
			if errors.Is(err, errUnauthorized) && !cfg.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}
			var sub string
			if err == nil {
				sub, err = validateJWT(tokenString, cfg.JWTSecret)
			}
			if err != nil {
				slog.InfoContext(r.Context(), "Rejected request", "path", r.URL.Path, "ip", reqctx.GetClientIP(r), "err", err)
				writeAPIError(w, dto.Unauthorized())
				return
			}
			next.ServeHTTP(w, r.WithContext(reqctx.WithSubject(r.Context(), sub)))
		})
	}
}

// CORSMiddleware allows the listed origins. "*" allows any origin.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (slices.Contains(origins, "*") || slices.Contains(origins, origin)) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, PATCH, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController and the WebSocket upgrader reach the
// underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// LoggingMiddleware logs one line per request. The WebSocket endpoint is
// logged when the upgrade starts since the request lasts as long as the
// connection.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := addRequestMetadataToContext(r.Context(), r)
		r = r.WithContext(ctx)
		if r.URL.Path == "/ws" {
			slog.DebugContext(ctx, "http", "method", r.Method, "path", r.URL.Path, "ip", reqctx.ClientIP(ctx), "ua", reqctx.UserAgent(ctx))
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		slog.InfoContext(ctx, "http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"dur", time.Since(start).Round(time.Microsecond),
			"ip", reqctx.ClientIP(ctx),
			"ua", reqctx.UserAgent(ctx),
			"sub", reqctx.Subject(r.Context()),
		)
	})
}
