package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserTokenTTL is how long issued user tokens stay valid.
const UserTokenTTL = 7 * 24 * time.Hour

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Manager signs and validates user tokens with an injected secret.
type Manager struct {
	secret []byte
}

// NewManager creates a token manager.
func NewManager(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &Manager{secret: []byte(secret)}, nil
}

// GenerateUserToken generates a JWT token for user authentication
func (m *Manager) GenerateUserToken(userID string) (string, error) {
	claims := &JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(UserTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (m *Manager) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
