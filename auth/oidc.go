package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/types"
)

const defaultUserIdClaim = "sub"

var (
	ErrUnknownProvider = errors.New("unknown oidc provider")
	ErrMissingClaim    = errors.New("missing user id claim")
)

// Authenticator turns an ID token issued by the named provider into a verified identity.
type Authenticator interface {
	Authenticate(ctx context.Context, idToken, provider string) (types.Identity, error)
}

// VerifyFunc verifies a raw ID token and returns its claims and expiry.
type VerifyFunc func(ctx context.Context, rawIdToken string) (map[string]interface{}, time.Time, error)

type providerEntry struct {
	cfg    config.OIDCConfig
	verify VerifyFunc
}

// OIDCAuthenticator verifies tokens against the configured OpenID Connect providers. Provider discovery happens on
// first use, verified tokens are cached until they expire.
type OIDCAuthenticator struct {
	providers map[string]*providerEntry
	cache     *lru.Cache

	sync.Mutex
}

var _ Authenticator = &OIDCAuthenticator{}

// NewOIDCAuthenticator returns nil if no provider is configured, in which case the client supplied identity is
// trusted.
func NewOIDCAuthenticator(cfg *config.Config) (*OIDCAuthenticator, error) {
	if len(cfg.OIDCConfigs) == 0 {
		return nil, nil
	}
	size := cfg.AuthConfig.TokenCacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	a := &OIDCAuthenticator{
		providers: make(map[string]*providerEntry),
		cache:     cache,
	}
	for _, c := range cfg.OIDCConfigs {
		a.providers[c.Name] = &providerEntry{cfg: c}
	}
	return a, nil
}

// SetVerifier replaces the verification of the named provider, it is used to plug in a verifier that does not
// need network access.
func (a *OIDCAuthenticator) SetVerifier(provider string, verify VerifyFunc) {
	a.Lock()
	defer a.Unlock()
	entry, ok := a.providers[provider]
	if !ok {
		entry = &providerEntry{cfg: config.OIDCConfig{Name: provider}}
		a.providers[provider] = entry
	}
	entry.verify = verify
}

func (a *OIDCAuthenticator) verifier(ctx context.Context, provider string) (*providerEntry, error) {
	a.Lock()
	defer a.Unlock()
	entry, ok := a.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if entry.verify != nil {
		return entry, nil
	}
	oidcProvider, err := oidc.NewProvider(ctx, entry.cfg.ProviderUrl)
	if err != nil {
		return nil, fmt.Errorf("could not discover provider %s: %w", provider, err)
	}
	conf := oidc.Config{}
	if entry.cfg.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = entry.cfg.ClientId
	}
	idTokenVerifier := oidcProvider.Verifier(&conf)
	entry.verify = func(ctx context.Context, rawIdToken string) (map[string]interface{}, time.Time, error) {
		idToken, err := idTokenVerifier.Verify(ctx, rawIdToken)
		if err != nil {
			return nil, time.Time{}, err
		}
		claims := make(map[string]interface{})
		err = idToken.Claims(&claims)
		if err != nil {
			return nil, time.Time{}, err
		}
		return claims, idToken.Expiry, nil
	}
	return entry, nil
}

// Authenticate verifies a given OIDC ID token using the named provider.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, idToken, provider string) (types.Identity, error) {
	cacheKey := provider + "\x00" + idToken
	if v, ok := a.cache.Get(cacheKey); ok {
		identity := v.(types.Identity)
		if identity.Expiry.IsZero() || time.Now().Before(identity.Expiry) {
			return identity, nil
		}
		a.cache.Remove(cacheKey)
	}

	entry, err := a.verifier(ctx, provider)
	if err != nil {
		return types.Identity{}, err
	}
	claims, expiry, err := entry.verify(ctx, idToken)
	if err != nil {
		return types.Identity{}, err
	}
	identity, err := identityFromClaims(claims, entry.cfg.UserIdClaim)
	if err != nil {
		return types.Identity{}, err
	}
	identity.Expiry = expiry
	a.cache.Add(cacheKey, identity)
	globals.AppLogger.Debug("verified id token", "provider", provider, "user", identity.UserId)
	return identity, nil
}

func identityFromClaims(claims map[string]interface{}, userIdClaim string) (types.Identity, error) {
	if userIdClaim == "" {
		userIdClaim = defaultUserIdClaim
	}
	identity := types.Identity{}
	userId, _ := claims[userIdClaim].(string)
	if userId == "" {
		return identity, fmt.Errorf("%w: %s", ErrMissingClaim, userIdClaim)
	}
	identity.UserId = userId
	identity.UserName, _ = claims["name"].(string)
	if role, ok := claims["role"].(string); ok && types.ValidRole(role) {
		identity.Role = role
	}
	return identity, nil
}
