package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw, secret string) *jwt.Token {
	t.Helper()
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	return token
}

func TestRefreshTokenFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	secret := "test-secret"

	// Create an initial token with a 5-minute lifespan
	initialTokenStr, _, err := GenerateToken("admin", secret, 5*time.Minute)
	require.NoError(t, err)
	token := parse(t, initialTokenStr, secret)
	c.Set("user", token)

	// Ensure the refreshed token has a different 'iat'
	time.Sleep(1 * time.Second)

	newTokenStr, newExpiresAt, err := RefreshTokenFromContext(c, secret, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, newTokenStr)

	originalClaims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	origIat := int64(originalClaims["iat"].(float64))

	newToken := parse(t, newTokenStr, secret)
	assert.True(t, newToken.Valid)
	newClaims, ok := newToken.Claims.(jwt.MapClaims)
	require.True(t, ok)

	assert.Equal(t, "admin", newClaims[claimSubject])
	assert.Equal(t, roleOperator, newClaims[claimRole])

	newIat := int64(newClaims["iat"].(float64))
	newExp := int64(newClaims["exp"].(float64))
	assert.Greater(t, newIat, origIat)
	// The original 5 minute lifetime is kept, not the 1 hour fallback.
	assert.Equal(t, int64(5*60), newExp-newIat)
	assert.Equal(t, newExpiresAt.Unix(), newExp)
}

func TestRefreshTokenFromContext_MissingUser(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, _, err := RefreshTokenFromContext(c, "test-secret", time.Hour)
	require.Error(t, err)

	var httpErr *echo.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Equal(t, "invalid token", httpErr.Message)
}

func TestSubjectFromContextRequiresOperatorRole(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin"})
	raw, err := foreign.SignedString([]byte("s"))
	require.NoError(t, err)
	c.Set("user", parse(t, raw, "s"))

	_, err = SubjectFromContext(c)
	var httpErr *echo.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.Code)

	raw, _, err = GenerateToken("admin", "s", time.Minute)
	require.NoError(t, err)
	c.Set("user", parse(t, raw, "s"))
	subject, err := SubjectFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestGenerateTokenValidation(t *testing.T) {
	t.Parallel()

	_, _, err := GenerateToken("", "s", time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateToken("admin", "", time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateToken("admin", "s", 0)
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NoError(t, CheckPassword(hash, "hunter2"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, CheckPassword("", "hunter2"), ErrInvalidCredentials)

	_, err = HashPassword("")
	assert.Error(t, err)
}
