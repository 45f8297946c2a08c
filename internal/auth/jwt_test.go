package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateValidate(t *testing.T) {
	s := NewJWTService("secret", 1)
	id := uuid.New()

	token, err := s.Generate(id, "a@example.com", "teacher")
	require.NoError(t, err)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "teacher", claims.Role)
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestValidateRejects(t *testing.T) {
	s := NewJWTService("secret", 1)

	expired, err := NewJWTService("secret", -1).Generate(uuid.New(), "", "teacher")
	require.NoError(t, err)
	_, err = s.Validate(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	foreign, err := NewJWTService("other", 1).Generate(uuid.New(), "", "teacher")
	require.NoError(t, err)
	_, err = s.Validate(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "admin"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Validate(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
