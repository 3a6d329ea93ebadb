// appauth.go implements the credential broker: it signs short-lived app
// assertions with the app's RSA key and exchanges them for per-installation
// access tokens, caching each token until shortly before it expires.
package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// expirySkew is subtracted from a cached token's expiry when deciding whether
// it is still usable, so a token is never handed out moments before it dies.
const expirySkew = 60 * time.Second

// tokenExchanger is the slice of Client the broker depends on
type tokenExchanger interface {
	CreateInstallationToken(ctx context.Context, appJWT string, installationID int64) (*InstallationToken, error)
}

// Broker mints and caches installation access tokens. Concurrent requests for
// the same installation are collapsed into a single upstream exchange.
type Broker struct {
	exchanger tokenExchanger
	appID     string
	signKey   *rsa.PrivateKey

	mu    sync.RWMutex
	cache map[int64]*InstallationToken
	group singleflight.Group

	now func() time.Time
}

// NewBroker creates a credential broker from the app id and the PEM-encoded
// RSA private key at keyPath. Both are required; a missing or unparsable key
// is a configuration error surfaced before any batch or webhook work starts.
func NewBroker(appID, keyPath string, exchanger tokenExchanger) (*Broker, error) {
	if appID == "" {
		return nil, apperr.Configuration("github app id is not configured")
	}
	if keyPath == "" {
		return nil, apperr.Configuration("github app private key path is not configured")
	}

	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, false, err, "read app private key %s", keyPath)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, false, err, "parse app private key %s", keyPath)
	}

	return &Broker{
		exchanger: exchanger,
		appID:     appID,
		signKey:   key,
		cache:     make(map[int64]*InstallationToken),
		now:       time.Now,
	}, nil
}

// Token returns a currently valid access token for the installation, minting
// one through the exchanger if the cache has none or the cached token is
// within the expiry skew.
func (b *Broker) Token(ctx context.Context, installationID int64) (string, error) {
	if tok := b.cached(installationID); tok != nil {
		telemetry.TokenExchangesTotal.WithLabelValues("cache_hit").Inc()
		return tok.Token, nil
	}

	v, err, _ := b.group.Do(fmt.Sprintf("%d", installationID), func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have minted
		// a token while this one waited.
		if tok := b.cached(installationID); tok != nil {
			return tok, nil
		}

		assertion, err := b.appAssertion()
		if err != nil {
			return nil, err
		}

		tok, err := b.exchanger.CreateInstallationToken(ctx, assertion, installationID)
		if err != nil {
			telemetry.TokenExchangesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		telemetry.TokenExchangesTotal.WithLabelValues("minted").Inc()

		b.mu.Lock()
		b.cache[installationID] = tok
		b.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*InstallationToken).Token, nil
}

// Invalidate drops any cached token for the installation. Called when an
// upstream operation rejects the token mid-flight.
func (b *Broker) Invalidate(installationID int64) {
	b.mu.Lock()
	delete(b.cache, installationID)
	b.mu.Unlock()
}

func (b *Broker) cached(installationID int64) *InstallationToken {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tok, ok := b.cache[installationID]
	if !ok || b.now().After(tok.ExpiresAt.Add(-expirySkew)) {
		return nil
	}
	return tok
}

// appAssertion signs a short-lived RS256 JWT identifying the app. iat is
// backdated to absorb clock drift between this host and the platform.
func (b *Broker) appAssertion() (string, error) {
	now := b.now()
	claims := jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": b.appID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(b.signKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfiguration, false, err, "sign app assertion")
	}
	return signed, nil
}
