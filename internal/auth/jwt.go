package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds the identity layer's assertions about the caller.
type Claims struct {
	UserID          uuid.UUID  `json:"user_id"`
	Email           string     `json:"email"`
	Role            string     `json:"role"`
	Iconic          bool       `json:"is_iconic,omitempty"`
	IconicExpiresAt *time.Time `json:"iconic_expires_at,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts claims into the access-policy view of the caller.
func (c *Claims) Principal() access.Principal {
	return access.Principal{
		UserID:          c.UserID,
		Role:            models.ParseRole(c.Role),
		Iconic:          c.Iconic,
		IconicExpiresAt: c.IconicExpiresAt,
	}
}

// JWTService validates bearer tokens issued by the identity layer. It shares the identity layer's
// HMAC secret.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate signs a token for p. Only tests and local tooling use it; production tokens come from
// the identity layer.
func (s *JWTService) Generate(p access.Principal, email string) (string, error) {
	claims := Claims{
		UserID:          p.UserID,
		Email:           email,
		Role:            string(p.Role),
		Iconic:          p.Iconic,
		IconicExpiresAt: p.IconicExpiresAt,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
