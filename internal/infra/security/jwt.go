package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidAccessToken covers malformed, unsigned or foreign tokens.
	ErrInvalidAccessToken = errors.New("jwt: invalid access token")
	// ErrExpiredAccessToken indicates an otherwise valid token past its exp claim.
	ErrExpiredAccessToken = errors.New("jwt: access token expired")
)

// AccessTokenClaims are the claims read from bearer tokens issued by the identity provider.
// The subject is taken from sub, falling back to uid.
type AccessTokenClaims struct {
	UserID string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID returns the authenticated user id carried by the token.
func (c *AccessTokenClaims) SubjectID() string {
	if sub := strings.TrimSpace(c.Subject); sub != "" {
		return sub
	}
	return strings.TrimSpace(c.UserID)
}

// VerifierOptions configures AccessTokenVerifier. At least one of Secret or PublicKey is required.
type VerifierOptions struct {
	Secret    []byte
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  []string
	Leeway    time.Duration
	Now       func() time.Time
}

// AccessTokenVerifier validates bearer tokens. It never signs.
type AccessTokenVerifier struct {
	opts VerifierOptions
}

// NewAccessTokenVerifier constructs a verifier for HS256 and/or RS256 tokens.
func NewAccessTokenVerifier(opts VerifierOptions) (*AccessTokenVerifier, error) {
	if len(opts.Secret) == 0 && opts.PublicKey == nil {
		return nil, errors.New("jwt: a shared secret or public key is required")
	}
	return &AccessTokenVerifier{opts: opts}, nil
}

// Verify parses token and returns its claims when the signature, issuer, audience
// and validity window all check out.
func (v *AccessTokenVerifier) Verify(token string) (*AccessTokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidAccessToken
	}

	parserOptions := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.opts.Now != nil {
		parserOptions = append(parserOptions, jwt.WithTimeFunc(v.opts.Now))
	}
	if v.opts.Leeway > 0 {
		parserOptions = append(parserOptions, jwt.WithLeeway(v.opts.Leeway))
	}
	if issuer := strings.TrimSpace(v.opts.Issuer); issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	for _, audience := range v.opts.Audience {
		if audience = strings.TrimSpace(audience); audience != "" {
			parserOptions = append(parserOptions, jwt.WithAudience(audience))
		}
	}

	claims := &AccessTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFunc, parserOptions...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredAccessToken
		}
		return nil, ErrInvalidAccessToken
	}
	if parsed == nil || !parsed.Valid || claims.SubjectID() == "" {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

func (v *AccessTokenVerifier) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.opts.Secret) == 0 || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	case *jwt.SigningMethodRSA:
		if v.opts.PublicKey == nil || t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.opts.PublicKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}

// LoadRSAPublicKey reads a PEM encoded RSA public key (PKIX or PKCS#1) or certificate.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}
