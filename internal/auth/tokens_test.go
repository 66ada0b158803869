package auth

import (
	"testing"
	"time"

	"coldroom/internal/clock"
	"coldroom/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "secure-secret-at-least-32-chars-long"

func TestIssuer_RoundTrip(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	iss := NewIssuer(testSecret, time.Hour, fc)

	token, err := iss.Issue("user_abc")
	require.NoError(t, err)

	sub, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user_abc", sub)
}

func TestIssuer_Expired(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	iss := NewIssuer(testSecret, time.Hour, fc)

	token, err := iss.Issue("user_abc")
	require.NoError(t, err)

	fc.Advance(2 * time.Hour)
	_, err = iss.Parse(token)
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))
}

func TestIssuer_RejectsForeignTokens(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	iss := NewIssuer(testSecret, time.Hour, fc)

	other := NewIssuer("another-secret-that-is-also-long-enough", time.Hour, fc)
	token, err := other.Issue("user_abc")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", token},
		{"wrong audience", signed(t, jwt.MapClaims{
			"sub": "user_abc",
			"iss": issuer,
			"aud": "someone-else",
			"exp": fc.Now().Add(time.Hour).Unix(),
		})},
		{"missing subject", signed(t, jwt.MapClaims{
			"iss": issuer,
			"aud": audience,
			"exp": fc.Now().Add(time.Hour).Unix(),
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Parse(tt.token)
			assert.True(t, models.IsCode(err, models.CodeUnauthorized))
		})
	}
}

func TestIssuer_RequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour, nil).Issue("user_abc")
	assert.Error(t, err)
}

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}
