package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

var ErrUnknownRole = errors.New("unknown role claim")

// Claims are issued by the identity service; this service only validates them.
type Claims struct {
	UserID uuid.UUID
	Email  string
	Role   domain.UserRole
}

func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == domain.UserRoleAdmin
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email"`
	Role   string `json:"role,omitempty"`
}

// GenerateToken signs c with HS256. Production tokens come from the identity
// service; this is used by tooling and tests.
func GenerateToken(c Claims, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: c.UserID.String(),
		Email:  c.Email,
		Role:   string(c.Role),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("GenerateToken: %w", err)
	}
	return signed, nil
}

// ValidateToken accepts HS256 tokens with an expiry. The user id is read from
// user_id, falling back to sub. A missing role means a regular user.
func ValidateToken(tokenString string, secret string) (*Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &tc,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("ValidateToken: %w", err)
	}

	rawID := tc.UserID
	if rawID == "" {
		rawID = tc.Subject
	}
	userID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("ValidateToken: user id %q: %w", rawID, err)
	}

	var role domain.UserRole
	switch domain.UserRole(tc.Role) {
	case "", domain.UserRoleUser:
		role = domain.UserRoleUser
	case domain.UserRoleAdmin:
		role = domain.UserRoleAdmin
	default:
		return nil, fmt.Errorf("ValidateToken: %q: %w", tc.Role, ErrUnknownRole)
	}

	return &Claims{UserID: userID, Email: tc.Email, Role: role}, nil
}
