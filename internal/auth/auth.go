// Package auth resolves bearer credentials issued by the portal into chat
// identities. The chat subsystem never mints credentials; it only verifies
// tokens the surrounding portal signed.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"schoolchat/pkg/types"
)

var (
	// ErrInvalidToken is returned when the token is missing, malformed, or
	// fails signature verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the portal token payload the chat subsystem consumes.
type Claims struct {
	DisplayName string `json:"name"`
	Role        string `json:"role"`
	Class       string `json:"class,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates portal-signed HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify resolves a token string into an Identity.
func (v *Verifier) Verify(tokenString string) (types.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.Identity{}, ErrExpiredToken
		}
		return types.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	role, ok := types.ParseRole(claims.Role)
	if !ok {
		return types.Identity{}, ErrInvalidToken
	}

	identity := types.Identity{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		Role:        role,
		Class:       claims.Class,
	}
	if err := identity.Validate(); err != nil {
		return types.Identity{}, ErrInvalidToken
	}
	return identity, nil
}

// FromRequest extracts and verifies the credential from an HTTP request.
// The Authorization header is authoritative; the token query parameter is a
// fallback for browser WebSocket clients, which cannot set headers.
func (v *Verifier) FromRequest(r *http.Request) (types.Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return types.Identity{}, ErrInvalidToken
		}
		return v.Verify(tokenString)
	}
	if tokenString := r.URL.Query().Get("token"); tokenString != "" {
		return v.Verify(tokenString)
	}
	return types.Identity{}, ErrInvalidToken
}

// Sign mints a token for an identity. The portal owns credential issuance
// in production; this exists for tooling and tests.
func (v *Verifier) Sign(identity types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DisplayName: identity.DisplayName,
		Role:        string(identity.Role),
		Class:       identity.Class,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
