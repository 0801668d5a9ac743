package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	util := NewJWTUtil("secret", "1h")

	token, err := util.GenerateToken("acme", "premium", "")
	require.NoError(t, err)

	claims, err := util.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.ClientID)
	assert.Equal(t, "premium", claims.Tier)
	assert.Equal(t, "acme", claims.Subject)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTUtil("one", "1h").GenerateToken("acme", "basic", "")
	require.NoError(t, err)

	_, err = NewJWTUtil("two", "1h").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	util := NewJWTUtil("secret", "1h")
	util.expiry = -time.Minute

	token, err := util.GenerateToken("acme", "basic", "")
	require.NoError(t, err)

	_, err = util.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateToken_MissingClientID(t *testing.T) {
	util := NewJWTUtil("secret", "1h")
	token, err := util.GenerateToken("", "basic", "")
	require.NoError(t, err)

	_, err = util.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken(t *testing.T) {
	util := NewJWTUtil("secret", "2h")
	token, err := util.GenerateToken("acme", "basic", "")
	require.NoError(t, err)

	same, err := util.RefreshToken(token)
	require.NoError(t, err)
	assert.Equal(t, token, same, "tokens far from expiry are returned unchanged")

	util.expiry = 30 * time.Minute
	short, err := util.GenerateToken("acme", "basic", "")
	require.NoError(t, err)

	fresh, err := util.RefreshToken(short)
	require.NoError(t, err)
	claims, err := util.ValidateToken(fresh)
	require.NoError(t, err)
	assert.Equal(t, "basic", claims.Tier)
}

func TestNewJWTUtil_Defaults(t *testing.T) {
	util := NewJWTUtil("", "not-a-duration")
	assert.Equal(t, 24*time.Hour, util.expiry)
	assert.NotEmpty(t, util.secretKey)
}
