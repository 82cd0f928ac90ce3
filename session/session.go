// Package session carries the authenticated identity between requests in a
// signed, HTTP-only cookie. The cookie holds an HS256 JWT whose subject is
// the identity string; the authz guard trusts that string once the
// signature and expiry have been verified here.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ruteri/apas-records-backend/authz"
)

const (
	DefaultCookieName = "apas_session"
	DefaultTTL        = 8 * time.Hour

	issuer = "apas-records-backend"
)

// ErrInvalidSession is returned for tokens that fail signature, expiry or
// claim validation, and for tokens revoked by a logout.
var ErrInvalidSession = errors.New("invalid session")

// Config configures the session carrier.
type Config struct {
	// Secret signs session tokens. When empty a random per-process secret is
	// generated and every session ends with the process.
	Secret []byte

	CookieName string
	TTL        time.Duration

	// Secure marks the cookie as HTTPS only.
	Secure bool
}

// Claims is the JWT payload.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues, verifies and clears session cookies.
type Manager struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
	secure     bool
	log        *slog.Logger

	// revoked maps the token id of every logged out session to its expiry.
	// Entries are dropped once the token would have expired anyway.
	mu      sync.Mutex
	revoked map[string]time.Time

	now func() time.Time
}

// NewManager creates a session manager.
func NewManager(cfg Config, log *slog.Logger) (*Manager, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		log.Warn("No session secret configured, sessions will not survive a restart")
	}

	m := &Manager{
		secret:     secret,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
		secure:     cfg.Secure,
		log:        log,
		revoked:    make(map[string]time.Time),
		now:        time.Now,
	}
	if m.cookieName == "" {
		m.cookieName = DefaultCookieName
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	return m, nil
}

// CookieName returns the name of the session cookie.
func (m *Manager) CookieName() string {
	return m.cookieName
}

// Issue signs a token for username. The role claim is informational; the
// guard always reads the current role from the identity store.
func (m *Manager) Issue(username, role string) (string, error) {
	now := m.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse verifies a token and returns its claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidSession
	}
	if m.isRevoked(claims.ID) {
		return nil, fmt.Errorf("%w: session ended", ErrInvalidSession)
	}
	return claims, nil
}

// Revoke ends the session carried by token. Later calls to Parse reject it
// even though its signature and expiry are still valid.
func (m *Manager) Revoke(token string) error {
	claims, err := m.Parse(token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, id)
		}
	}
	m.revoked[claims.ID] = claims.ExpiresAt.Time
	return nil
}

func (m *Manager) isRevoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[id]
	return ok
}

// Establish issues a token for username and sets it as the session cookie.
func (m *Manager) Establish(w http.ResponseWriter, username, role string) error {
	token, err := m.Issue(username, role)
	if err != nil {
		return fmt.Errorf("failed to sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
		Expires:  m.now().Add(m.ttl),
	})
	return nil
}

// Clear revokes the session presented with r, if any, and expires the
// session cookie.
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(m.cookieName); err == nil && c.Value != "" {
		if err := m.Revoke(c.Value); err != nil {
			m.log.Debug("Not revoking invalid session cookie", "err", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
		MaxAge:   -1,
	})
}

// Middleware places the identity from a valid session cookie on the request
// context. Requests without a valid cookie pass through unauthenticated.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(m.cookieName)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.Parse(c.Value)
		if err != nil {
			m.log.Debug("Ignoring invalid session cookie", "err", err)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(authz.WithIdentity(r.Context(), claims.Subject)))
	})
}
