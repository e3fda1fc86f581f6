package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/models"
)

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 1)
	exp := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	p := access.Principal{UserID: uuid.New(), Role: models.RoleIconic, Iconic: true, IconicExpiresAt: &exp}

	tok, err := svc.Generate(p, "ada@example.com")
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	got := claims.Principal()
	assert.Equal(t, p.UserID, got.UserID)
	assert.Equal(t, models.RoleIconic, got.Role)
	assert.True(t, got.Iconic)
	require.NotNil(t, got.IconicExpiresAt)
	assert.True(t, exp.Equal(*got.IconicExpiresAt))
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)
	other := NewJWTService("other", 1)
	tok, err := other.Generate(access.Principal{UserID: uuid.New(), Role: models.RoleUser}, "")
	require.NoError(t, err)

	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "admin"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.Validate(noUser)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrincipalUnknownRole(t *testing.T) {
	c := &Claims{UserID: uuid.New(), Role: "superuser"}
	assert.Equal(t, models.RoleUser, c.Principal().Role)
}
