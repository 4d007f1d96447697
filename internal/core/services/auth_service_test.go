package services

import (
	"context"
	"testing"
	"time"

	"liveclass/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	token, err := auth.GenerateToken(domain.Identity{UserID: "u1", Name: "Ada", Role: domain.RoleHost})
	require.NoError(t, err)

	identity, err := auth.ValidateIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: "u1", Name: "Ada", Role: domain.RoleHost}, identity)
}

func TestAuthService_DefaultsRoleAndName(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	token, err := auth.GenerateToken(domain.Identity{UserID: "u2", Role: "superuser"})
	require.NoError(t, err)

	identity, err := auth.ValidateIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleParticipant, identity.Role)
	assert.Equal(t, "u2", identity.Name)
}

func TestAuthService_Rejections(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	t.Run("wrong secret", func(t *testing.T) {
		other := NewAuthService("other", time.Hour)
		token, err := other.GenerateToken(domain.Identity{UserID: "u1"})
		require.NoError(t, err)
		_, err = auth.ValidateIdentity(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired := NewAuthService("secret", -time.Minute)
		token, err := expired.GenerateToken(domain.Identity{UserID: "u1"})
		require.NoError(t, err)
		_, err = auth.ValidateIdentity(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := auth.ValidateIdentity("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing user id", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
			Name: "nobody",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = auth.ValidateIdentity(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = auth.ValidateIdentity(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestIdentityContext(t *testing.T) {
	_, err := IdentityFromContext(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	ctx := WithIdentity(context.Background(), domain.Identity{UserID: "u1", Name: "Ada"})
	identity, err := IdentityFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), identity.UserID)
}
