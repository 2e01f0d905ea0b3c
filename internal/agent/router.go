package agent

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/decoyverse/agent/internal/blockqueue"
	"github.com/decoyverse/agent/internal/watcher"
)

// TokenIssuer is the iss claim of status API tokens.
const TokenIssuer = "decoyverse-agent"

type contextKey int

const claimsKey contextKey = 0

// Handler returns the status HTTP API:
//
//	GET /healthz         – liveness and component state (always open)
//	GET /metrics         – Prometheus exposition (always open)
//	GET /api/v1/alerts   – honeytoken alerts raised during this run
//	GET /api/v1/blocks   – the block request queue document
//
// When a token key is configured the /api/v1 routes require an HS256 bearer
// token signed with it (see IssueToken).
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.HealthzHandler)
	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(a.tokenKey) > 0 {
			r.Use(RequireToken(a.tokenKey, a.logger))
		}
		r.Get("/alerts", a.handleAlerts)
		r.Get("/blocks", a.handleBlocks)
	})
	return r
}

func (a *Agent) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := []watcher.HoneytokenAlert{}
	if a.files != nil {
		alerts = append(alerts, a.files.Alerts()...)
	}
	writeJSON(w, http.StatusOK, alerts, a.logger)
}

func (a *Agent) handleBlocks(w http.ResponseWriter, r *http.Request) {
	doc := blockqueue.Document{Pending: []string{}, Done: []blockqueue.Done{}}
	if a.blocks != nil {
		read, err := a.blocks.Read()
		if err != nil {
			a.logger.Error("agent: read block queue", slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "block queue unavailable"}, a.logger)
			return
		}
		if read.Pending != nil {
			doc.Pending = read.Pending
		}
		if read.Done != nil {
			doc.Done = read.Done
		}
	}
	writeJSON(w, http.StatusOK, doc, a.logger)
}

// ─── Bearer tokens ──────────────────────────────────────────────────────────

// IssueToken signs a status API token for subject, valid for ttl from now.
func IssueToken(key []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// RequireToken returns middleware that accepts only requests carrying a
// valid, unexpired HS256 bearer token signed with key. The verified claims
// are available to handlers through ClaimsFromContext.
func RequireToken(key []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"}, logger)
				return
			}
			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				logger.Warn("agent: status API token rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"}, logger)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, &claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the token claims verified by RequireToken.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}
