package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJWTAuth tests basic token round trips
func TestJWTAuth(t *testing.T) {
	auth, err := NewJWTAuth("test-secret", "mqagent", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := auth.GenerateToken("clock-1", "infr/clock")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "clock-1", claims.ClientID)
	assert.Equal(t, "clock-1", claims.Subject)
	assert.Equal(t, "infr/clock", claims.TopicPrefix)
	assert.Equal(t, "mqagent", claims.Issuer)

	claims, err = auth.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "clock-1", claims.ClientID)

	_, err = auth.ValidateToken("invalid-token")
	assert.Error(t, err)
	_, err = auth.ValidateToken("")
	assert.Error(t, err)
}

func TestJWTAuth_Errors(t *testing.T) {
	_, err := NewJWTAuth("", "", 0)
	assert.ErrorIs(t, err, ErrEmptySecret)

	auth, err := NewJWTAuth("s", "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, auth.ttl)

	_, _, err = auth.GenerateToken("", "")
	assert.ErrorIs(t, err, ErrEmptyClientID)

	// A token signed with another secret is rejected
	other, err := NewJWTAuth("other", "", 0)
	require.NoError(t, err)
	token, _, err := other.GenerateToken("c", "")
	require.NoError(t, err)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestJWTAuth_Expired(t *testing.T) {
	auth, err := NewJWTAuth("s", "", time.Minute)
	require.NoError(t, err)
	base := time.Now()
	auth.now = func() time.Time { return base }

	token, _, err := auth.GenerateToken("c", "")
	require.NoError(t, err)

	auth.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTokenSource_CachesAndRenews(t *testing.T) {
	auth, err := NewJWTAuth("s", "", time.Hour)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	auth.now = func() time.Time { return now }

	src := NewTokenSource(auth, "transcriber", "home")
	user, first := src.Credentials()
	assert.Equal(t, "transcriber", user)
	require.NotEmpty(t, first)

	now = now.Add(30 * time.Minute)
	_, second := src.Credentials()
	assert.Equal(t, first, second, "token reused well before expiry")

	now = now.Add(26 * time.Minute)
	_, third := src.Credentials()
	assert.NotEqual(t, first, third, "token renewed inside the refresh margin")

	claims, err := auth.ValidateToken(third)
	require.NoError(t, err)
	assert.Equal(t, "home", claims.TopicPrefix)
}

// TestValidateToken_BrokerSide checks agent passwords the way a broker auth hook does
func TestValidateToken_BrokerSide(t *testing.T) {
	agent, err := NewJWTAuth("shared", "mqagent", time.Hour)
	require.NoError(t, err)
	user, password := NewTokenSource(agent, "clock-1", "infr/clock").Credentials()

	broker, err := NewJWTAuth("shared", "mqagent", 0)
	require.NoError(t, err)
	claims, err := broker.ValidateToken(password)
	require.NoError(t, err)
	assert.Equal(t, user, claims.ClientID)
	assert.Equal(t, "infr/clock", claims.TopicPrefix)

	otherSecret, err := NewJWTAuth("different", "mqagent", 0)
	require.NoError(t, err)
	_, err = otherSecret.ValidateToken(password)
	assert.Error(t, err)

	otherIssuer, err := NewJWTAuth("shared", "someone-else", 0)
	require.NoError(t, err)
	_, err = otherIssuer.ValidateToken(password)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)

	anyIssuer, err := NewJWTAuth("shared", "", 0)
	require.NoError(t, err)
	_, err = anyIssuer.ValidateToken(password)
	assert.NoError(t, err)
}

func TestTokenSource_ShortTTLMargin(t *testing.T) {
	auth, err := NewJWTAuth("s", "", 4*time.Minute)
	require.NoError(t, err)
	src := NewTokenSource(auth, "c", "")
	assert.Equal(t, 2*time.Minute, src.margin)
}
