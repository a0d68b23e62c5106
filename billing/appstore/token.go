package appstore

import (
	"crypto/ecdsa"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/purchasekit/purchasekit/billing"
)

const (
	tokenAudience = "appstoreconnect-v1"
	tokenLifetime = 30 * time.Minute
	tokenCacheKey = "bearer"
)

// tokenSource mints ES256 bearer tokens for the App Store Server API and
// caches them until shortly before expiry.
type tokenSource struct {
	issuerID string
	keyID    string
	bundleID string
	key      *ecdsa.PrivateKey
	cache    *ttlcache.Cache
}

func newTokenSource(issuerID, keyID, bundleID string, privateKeyPEM []byte) (*tokenSource, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse api key")
	}
	return &tokenSource{
		issuerID: issuerID,
		keyID:    keyID,
		bundleID: bundleID,
		key:      key,
		cache:    ttlcache.NewCache(),
	}, nil
}

func (ts *tokenSource) Token() (string, error) {
	cached, ok := ts.cache.Get(tokenCacheKey)
	if ok {
		return cached.(string), nil
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": ts.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
		"aud": tokenAudience,
		"bid": ts.bundleID,
	})
	token.Header["kid"] = ts.keyID

	signed, err := token.SignedString(ts.key)
	if err != nil {
		return "", billing.WrapError(billing.CodeUnknown, err, "failed to sign api token")
	}

	// Refresh a minute early so a token never expires mid flight.
	ts.cache.SetWithTTL(tokenCacheKey, signed, tokenLifetime-time.Minute)

	return signed, nil
}
