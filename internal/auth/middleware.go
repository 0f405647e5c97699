package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vdavid/ticketdesk/internal/config"
	"go.uber.org/zap"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

// JobTokenHeader carries the shared secret of scheduled triggers.
const JobTokenHeader = "X-Job-Token"

// SessionCookie is the cookie a browser session stores its token in.
const SessionCookie = "ticketdesk_session"

// RoleAdmin grants admin access regardless of TICKETDESK_ADMIN_EMAILS.
const RoleAdmin = "admin"

// Claims is the payload of a session token.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator guards the job trigger routes.
type Authenticator struct {
	cfg    *config.Config
	secret []byte
	logger *zap.Logger
	now    func() time.Time
}

func NewAuthenticator(cfg *config.Config, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(cfg.SessionSecret),
		logger: logger,
		now:    time.Now,
	}
}

// IssueToken signs a session token for email.
func (a *Authenticator) IssueToken(email, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("TICKETDESK_SESSION_SECRET is not set")
	}
	now := a.now()
	claims := Claims{
		Email: strings.ToLower(email),
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken checks the signature and expiry of an HS256 session token.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("TICKETDESK_SESSION_SECRET is not set")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if strings.TrimSpace(claims.Email) == "" {
		return nil, fmt.Errorf("token has no email: %w", jwt.ErrTokenInvalidClaims)
	}

	claims.Email = strings.ToLower(strings.TrimSpace(claims.Email))
	return claims, nil
}

// RequireJobToken lets a request through only when X-Job-Token equals TICKETDESK_JOB_TOKEN.
// With no token configured every request is rejected.
func (a *Authenticator) RequireJobToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := a.cfg.JobToken
		got := r.Header.Get(JobTokenHeader)
		if expected == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			a.logger.Warn("rejected job trigger", zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin accepts a session token from the Authorization header or the session cookie.
// The user must belong to the organization domain (401 otherwise) and be an administrator
// (403 otherwise). The email is stored in the request context.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := tokenFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := a.ValidateToken(token)
		if err != nil {
			a.logger.Info("session token rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if !strings.HasSuffix(claims.Email, "@"+a.cfg.OrgDomain) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if !a.cfg.IsAdminEmail(claims.Email) && !strings.EqualFold(claims.Role, RoleAdmin) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		ctx := context.WithValue(r.Context(), UserEmailKey, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenFromRequest reads "Authorization: Bearer <token>" (scheme case-insensitive, per
// RFC 7235) and falls back to the session cookie.
func tokenFromRequest(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		fields := strings.Fields(header)
		if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
			return "", false
		}
		return fields[1], true
	}

	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}

	return "", false
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
