// Package identity resolves who is making a request: an authenticated user
// from a bearer token, or an anonymous visitor from a signed cookie.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/rs/zerolog"
)

// ErrNoIdentity is returned when a request carries neither a valid token
// nor a valid anonymous cookie.
var ErrNoIdentity = errors.New("no identity")

// Config represents the identity configuration.
type Config struct {
	CookieName string        `koanf:"cookie_name"`
	CookieAge  time.Duration `koanf:"cookie_age"`
	HashKey    string        `koanf:"hash_key"`
	BlockKey   string        `koanf:"block_key"`
	JWTSecret  string        `koanf:"jwt_secret"`
	Secure     bool          `koanf:"secure_cookie"`
}

// Identity is the resolved caller.
type Identity struct {
	ID            string `json:"id"`
	Authenticated bool   `json:"authenticated"`
}

// Claims are the JWT claims accepted as bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Provider identifies requests.
type Provider struct {
	cfg    Config
	cookie *securecookie.SecureCookie
	secret []byte
}

// New returns a Provider. Missing cookie keys are generated, which
// invalidates anonymous identities on restart.
func New(cfg Config, l zerolog.Logger) *Provider {
	if cfg.CookieName == "" {
		cfg.CookieName = "parley_id"
	}
	if cfg.CookieAge <= 0 {
		cfg.CookieAge = 30 * 24 * time.Hour
	}

	hash, block := []byte(cfg.HashKey), []byte(cfg.BlockKey)
	if len(hash) == 0 {
		l.Warn().Msg("identity.hash_key is not set, generating a random one")
		hash = securecookie.GenerateRandomKey(32)
	}
	if len(block) == 0 {
		block = nil
	}

	sc := securecookie.New(hash, block)
	sc.MaxAge(int(cfg.CookieAge.Seconds()))

	if cfg.JWTSecret == "" {
		l.Warn().Msg("identity.jwt_secret is not set, bearer tokens are disabled")
	}

	return &Provider{
		cfg:    cfg,
		cookie: sc,
		secret: []byte(cfg.JWTSecret),
	}
}

// Identify returns the caller of r. A bearer token, when present, must be
// valid. Otherwise the anonymous cookie is used.
func (p *Provider) Identify(r *http.Request) (Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return Identity{}, fmt.Errorf("%w: malformed authorization header", ErrNoIdentity)
		}
		c, err := p.Parse(tok)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
		}
		return Identity{ID: c.Subject, Authenticated: true}, nil
	}

	ck, err := r.Cookie(p.cfg.CookieName)
	if err != nil {
		return Identity{}, ErrNoIdentity
	}
	var id string
	if err := p.cookie.Decode(p.cfg.CookieName, ck.Value, &id); err != nil || id == "" {
		return Identity{}, ErrNoIdentity
	}
	return Identity{ID: id}, nil
}

// Issue sets a fresh anonymous identity cookie on w.
func (p *Provider) Issue(w http.ResponseWriter) (Identity, error) {
	id := uuid.NewString()
	v, err := p.cookie.Encode(p.cfg.CookieName, id)
	if err != nil {
		return Identity{}, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     p.cfg.CookieName,
		Value:    v,
		Path:     "/",
		MaxAge:   int(p.cfg.CookieAge.Seconds()),
		HttpOnly: true,
		Secure:   p.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return Identity{ID: id}, nil
}

// Token signs an HS256 bearer token for sub.
func (p *Provider) Token(sub, name string, ttl time.Duration) (string, error) {
	if len(p.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}

// Parse validates a bearer token and returns its claims.
func (p *Provider) Parse(tok string) (*Claims, error) {
	if len(p.secret) == 0 {
		return nil, errors.New("bearer tokens are disabled")
	}

	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, err
	}

	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return nil, errors.New("invalid token")
	}
	if c.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return c, nil
}
