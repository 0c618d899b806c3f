package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chitram/api/internal/auth"
	"chitram/api/internal/config"
)

func request(header string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestNewWithoutSecretIsAnonymous(t *testing.T) {
	identifier := auth.New(config.AuthConfig{})
	id, err := identifier.Identify(request("Bearer whatever"))
	require.NoError(t, err)
	assert.True(t, id.Anonymous())
}

func TestJWTVerifier(t *testing.T) {
	v := auth.NewJWTVerifier("secret")
	token, err := v.Issue("user-7", time.Minute)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		id, err := v.Identify(request("Bearer " + token))
		require.NoError(t, err)
		assert.Equal(t, "user-7", id.OwnerID)
	})

	t.Run("missing header is anonymous", func(t *testing.T) {
		id, err := v.Identify(request(""))
		require.NoError(t, err)
		assert.True(t, id.Anonymous())
	})

	t.Run("wrong scheme", func(t *testing.T) {
		_, err := v.Identify(request("Basic abc"))
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := auth.NewJWTVerifier("other").Identify(request("Bearer " + token))
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := v.Issue("user-7", -time.Minute)
		require.NoError(t, err)
		_, err = v.Identify(request("Bearer " + expired))
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}
