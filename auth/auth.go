// Package auth verifies bearer credentials. Verification is local
// first (shared secret), falling back to the identity service when
// the local signature check fails, so tokens minted under a rotated
// key keep working while the rotation propagates.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Verification failure kinds. ErrUnavailable denies with 503, every
// other kind with 401.
var (
	ErrMissing          = errors.New("authorization header missing")
	ErrMalformed        = errors.New("malformed bearer credential")
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrRevoked          = errors.New("token revoked")
	ErrUnavailable      = errors.New("identity service unavailable")
)

// Identity is the verified principal attached to the request context.
type Identity struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// HasRole reports whether the identity carries the role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims is the token payload shape shared with the identity service.
type Claims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates Authorization header values.
type Verifier struct {
	secret   []byte
	methods  []string
	identity *IdentityClient
}

// NewVerifier creates a verifier for the shared secret and signing
// algorithm. identity may be nil when no remote validation endpoint is
// configured.
func NewVerifier(secret, algorithm string, identity *IdentityClient) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		methods:  []string{algorithm},
		identity: identity,
	}
}

// ExtractToken pulls the raw token out of an Authorization header
// value. Only the "Bearer <token>" shape is accepted.
func ExtractToken(authorization string) (string, error) {
	if authorization == "" {
		return "", ErrMissing
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return "", ErrMalformed
	}
	return token, nil
}

// Verify validates the Authorization header value and returns the
// embedded identity.
func (v *Verifier) Verify(ctx context.Context, authorization string) (*Identity, error) {
	token, err := ExtractToken(authorization)
	if err != nil {
		return nil, err
	}

	id, err := v.verifyLocal(token)
	if err == nil {
		return id, nil
	}

	// Expired and malformed are definitive, no point in asking the
	// identity service about them.
	if errors.Is(err, ErrExpired) || errors.Is(err, ErrMalformed) {
		return nil, err
	}

	if v.identity == nil {
		return nil, err
	}
	return v.identity.Validate(ctx, token)
}

func (v *Verifier) verifyLocal(token string) (*Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods(v.methods))
	if err != nil {
		return nil, classifyJWTError(err)
	}

	return &Identity{UserID: claims.UserID, Email: claims.Email, Roles: claims.Roles}, nil
}

func classifyJWTError(err error) error {
	var verr *jwt.ValidationError
	if !errors.As(err, &verr) {
		return ErrMalformed
	}
	switch {
	case verr.Errors&jwt.ValidationErrorMalformed != 0:
		return ErrMalformed
	case verr.Errors&jwt.ValidationErrorExpired != 0:
		return ErrExpired
	case verr.Errors&(jwt.ValidationErrorSignatureInvalid|jwt.ValidationErrorUnverifiable) != 0:
		return ErrInvalidSignature
	default:
		return ErrInvalidSignature
	}
}
