package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidToken is returned when an identity token fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Identity is a user identity vouched for by the identity provider.
type Identity struct {
	UserID    string
	Name      string
	Email     string
	AvatarURL string
}

// Verifier checks identity tokens issued by the external identity provider.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTVerifier verifies HS256 identity tokens.
type JWTVerifier struct {
	cfg *JWTConfig
}

// NewJWTVerifier creates a verifier for tokens signed with cfg.Secret.
func NewJWTVerifier(cfg *JWTConfig) *JWTVerifier {
	return &JWTVerifier{cfg: cfg}
}

// Verify validates the token and returns the identity it carries.
// Every failure wraps ErrInvalidToken.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	claims, err := ValidateToken(v.cfg, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Identity{
		UserID:    claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.Picture,
	}, nil
}
