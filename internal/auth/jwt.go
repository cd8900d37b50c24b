// Package auth resolves the rider identity carried by a bearer credential.
// Tokens are issued elsewhere; this package only verifies them.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/chat"
)

// Claims are the JWT claims the server reads. The subject is the user id.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// Identity is an authenticated rider.
type Identity struct {
	UserID string
	Name   string
	Phone  string
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier creates a Verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Verify parses tokenString and returns the identity it carries. Every
// failure is a NotAuthenticated error.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, apperr.ErrNotAuthenticated.WithMessage("missing credential")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, apperr.ErrNotAuthenticated.WithMessage("invalid or expired credential")
	}
	if claims.Subject == "" {
		return Identity{}, apperr.ErrNotAuthenticated.WithMessage("credential has no subject")
	}
	// Server-authored chat messages carry this sender id.
	if claims.Subject == chat.SystemSender {
		return Identity{}, apperr.ErrNotAuthenticated.WithMessage("reserved subject")
	}

	return Identity{UserID: claims.Subject, Name: claims.Name, Phone: claims.Phone}, nil
}

// Issue signs a token for id valid for ttl. It exists for tests and local
// tooling.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  id.Name,
		Phone: id.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest reads the credential from the Authorization header
// (Bearer scheme) or, failing that, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
