package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/types"
)

func testConfig() *config.Config {
	return &config.Config{
		AuthConfig: config.AuthConfig{TokenCacheSize: 8},
		OIDCConfigs: []config.OIDCConfig{
			{Name: "test", ProviderUrl: "https://issuer.invalid"},
			{Name: "mail", ProviderUrl: "https://issuer.invalid", UserIdClaim: "email"},
		},
	}
}

func TestNoProviders(t *testing.T) {
	a, err := NewOIDCAuthenticator(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestAuthenticate(t *testing.T) {
	a, err := NewOIDCAuthenticator(testConfig())
	require.NoError(t, err)
	calls := 0
	a.SetVerifier("test", func(ctx context.Context, raw string) (map[string]interface{}, time.Time, error) {
		calls++
		if raw != "good" {
			return nil, time.Time{}, errors.New("bad token")
		}
		return map[string]interface{}{"sub": "u-42", "name": "Ada", "role": types.RoleTeacher}, time.Now().Add(time.Hour), nil
	})

	identity, err := a.Authenticate(context.Background(), "good", "test")
	require.NoError(t, err)
	assert.Equal(t, "u-42", identity.UserId)
	assert.Equal(t, "Ada", identity.UserName)
	assert.Equal(t, types.RoleTeacher, identity.Role)

	// second call is served from the cache
	_, err = a.Authenticate(context.Background(), "good", "test")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = a.Authenticate(context.Background(), "bad", "test")
	assert.Error(t, err)
}

func TestAuthenticateExpiredCacheEntry(t *testing.T) {
	a, err := NewOIDCAuthenticator(testConfig())
	require.NoError(t, err)
	calls := 0
	a.SetVerifier("test", func(ctx context.Context, raw string) (map[string]interface{}, time.Time, error) {
		calls++
		return map[string]interface{}{"sub": "u-1"}, time.Now().Add(-time.Second), nil
	})
	_, err = a.Authenticate(context.Background(), "tok", "test")
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), "tok", "test")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestAuthenticateClaims(t *testing.T) {
	a, err := NewOIDCAuthenticator(testConfig())
	require.NoError(t, err)
	a.SetVerifier("mail", func(ctx context.Context, raw string) (map[string]interface{}, time.Time, error) {
		return map[string]interface{}{"sub": "opaque", "email": "ada@example.org", "role": "admin"}, time.Time{}, nil
	})
	identity, err := a.Authenticate(context.Background(), "tok", "mail")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.org", identity.UserId)
	assert.Empty(t, identity.Role)

	a.SetVerifier("test", func(ctx context.Context, raw string) (map[string]interface{}, time.Time, error) {
		return map[string]interface{}{"name": "nobody"}, time.Time{}, nil
	})
	_, err = a.Authenticate(context.Background(), "tok", "test")
	assert.True(t, errors.Is(err, ErrMissingClaim))
}

func TestUnknownProvider(t *testing.T) {
	a, err := NewOIDCAuthenticator(testConfig())
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), "tok", "other")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}
