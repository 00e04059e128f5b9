package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/polisai/siterelay/pkg/domain"
)

// Codec turns the caller's session cookies into a UserSession.
type Codec interface {
	// CookieNames lists the cookies that carry the session, in fingerprint order.
	CookieNames() []string
	// Decode decodes the raw cookie values keyed by cookie name.
	Decode(values map[string]string) (domain.UserSession, error)
	// Encode produces cookie values for a session. Used by tooling and tests.
	Encode(s domain.UserSession) (map[string]string, error)
}

// CookieNames names the per-field cookies of the secretbox codec.
type CookieNames struct {
	AuthToken string `yaml:"auth_token"`
	Prefix    string `yaml:"prefix"`
	Product   string `yaml:"product"`
	Site      string `yaml:"site"`
	Email     string `yaml:"email"`
	Timestamp string `yaml:"timestamp"`
}

// DefaultCookieNames returns the standard cookie names.
func DefaultCookieNames() CookieNames {
	return CookieNames{
		AuthToken: "sr_token",
		Prefix:    "sr_prefix",
		Product:   "sr_product",
		Site:      "sr_site",
		Email:     "sr_email",
		Timestamp: "sr_ts",
	}
}

func (n CookieNames) withDefaults() CookieNames {
	def := DefaultCookieNames()
	if n.AuthToken == "" {
		n.AuthToken = def.AuthToken
	}
	if n.Prefix == "" {
		n.Prefix = def.Prefix
	}
	if n.Product == "" {
		n.Product = def.Product
	}
	if n.Site == "" {
		n.Site = def.Site
	}
	if n.Email == "" {
		n.Email = def.Email
	}
	if n.Timestamp == "" {
		n.Timestamp = def.Timestamp
	}
	return n
}

const nonceSize = 24

var errUndecryptable = errors.New("cookie cannot be decrypted")

// SecretboxCodec stores each session field in its own cookie, sealed with
// NaCl secretbox under a key derived from a shared secret.
type SecretboxCodec struct {
	key   [32]byte
	names CookieNames
}

// NewSecretboxCodec derives the sealing key from secret.
func NewSecretboxCodec(secret string, names CookieNames) (*SecretboxCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("session: secret is required")
	}
	return &SecretboxCodec{key: sha256.Sum256([]byte(secret)), names: names.withDefaults()}, nil
}

// CookieNames implements Codec.
func (c *SecretboxCodec) CookieNames() []string {
	n := c.names
	return []string{n.AuthToken, n.Prefix, n.Product, n.Site, n.Email, n.Timestamp}
}

// Decode implements Codec.
func (c *SecretboxCodec) Decode(values map[string]string) (domain.UserSession, error) {
	fields := make(map[string]string, 6)
	for _, name := range c.CookieNames() {
		plain, err := c.open(values[name])
		if err != nil {
			return domain.UserSession{}, fmt.Errorf("cookie %s: %w", name, err)
		}
		fields[name] = plain
	}

	issued, err := parseTimestamp(fields[c.names.Timestamp])
	if err != nil {
		return domain.UserSession{}, err
	}
	return domain.UserSession{
		AuthToken: fields[c.names.AuthToken],
		Prefix:    fields[c.names.Prefix],
		Product:   fields[c.names.Product],
		Site:      fields[c.names.Site],
		UserEmail: fields[c.names.Email],
		IssuedAt:  issued,
	}, nil
}

// Encode implements Codec.
func (c *SecretboxCodec) Encode(s domain.UserSession) (map[string]string, error) {
	plain := map[string]string{
		c.names.AuthToken: s.AuthToken,
		c.names.Prefix:    s.Prefix,
		c.names.Product:   s.Product,
		c.names.Site:      s.Site,
		c.names.Email:     s.UserEmail,
		c.names.Timestamp: strconv.FormatInt(s.IssuedAt.Unix(), 10),
	}
	out := make(map[string]string, len(plain))
	for name, value := range plain {
		sealed, err := c.seal(value)
		if err != nil {
			return nil, err
		}
		out[name] = sealed
	}
	return out, nil
}

func (c *SecretboxCodec) seal(value string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("session: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

func (c *SecretboxCodec) open(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", errUndecryptable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", errUndecryptable
	}
	return string(plain), nil
}

// parseTimestamp accepts unix seconds or milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, fmt.Errorf("unparseable session timestamp")
	}
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

// JWTCodec carries the whole session in one HS256-signed token cookie.
type JWTCodec struct {
	secret []byte
	cookie string
}

type sessionClaims struct {
	AuthToken string `json:"token"`
	Prefix    string `json:"prefix"`
	Product   string `json:"product"`
	Site      string `json:"site"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// NewJWTCodec builds a codec reading cookie. An empty cookie name means
// "sr_session".
func NewJWTCodec(secret, cookie string) (*JWTCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("session: secret is required")
	}
	if cookie == "" {
		cookie = "sr_session"
	}
	return &JWTCodec{secret: []byte(secret), cookie: cookie}, nil
}

// CookieNames implements Codec.
func (c *JWTCodec) CookieNames() []string {
	return []string{c.cookie}
}

// Decode implements Codec.
func (c *JWTCodec) Decode(values map[string]string) (domain.UserSession, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(values[c.cookie], &claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("session token: %w", err)
	}
	if claims.IssuedAt == nil {
		return domain.UserSession{}, fmt.Errorf("session token has no iat")
	}
	return domain.UserSession{
		AuthToken: claims.AuthToken,
		Prefix:    claims.Prefix,
		Product:   claims.Product,
		Site:      claims.Site,
		UserEmail: claims.Email,
		IssuedAt:  claims.IssuedAt.Time,
	}, nil
}

// Encode implements Codec.
func (c *JWTCodec) Encode(s domain.UserSession) (map[string]string, error) {
	claims := sessionClaims{
		AuthToken: s.AuthToken,
		Prefix:    s.Prefix,
		Product:   s.Product,
		Site:      s.Site,
		Email:     s.UserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(s.IssuedAt),
			Subject:  s.UserEmail,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return nil, fmt.Errorf("session: sign token: %w", err)
	}
	return map[string]string{c.cookie: signed}, nil
}

// NewCodec builds a codec by name: "secretbox" (default) or "jwt".
func NewCodec(kind, secret string, names CookieNames, jwtCookie string) (Codec, error) {
	switch strings.ToLower(kind) {
	case "", "secretbox":
		return NewSecretboxCodec(secret, names)
	case "jwt":
		return NewJWTCodec(secret, jwtCookie)
	default:
		return nil, domain.Errorf(domain.ErrConfigInvalid, "unknown session codec %q", kind)
	}
}
