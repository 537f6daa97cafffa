package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
	logger      *slog.Logger
	cancel      context.CancelFunc
}

// NewJWTVerifier creates a verifier backed by a JWKS endpoint. Keys are
// cached and refreshed in the background until Close is called, so token
// checks do not hit the network.
func NewJWTVerifier(ctx context.Context, jwksURL string, logger *slog.Logger) (*JWTVerifier, error) {
	ctx, cancel := context.WithCancel(ctx)
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		logger:     logger,
		cancel:     cancel,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 5*time.Second)
	defer fetchCancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	verifier.keySet = keySet

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

// NewStaticVerifier verifies tokens against a fixed key set
func NewStaticVerifier(keySet jwk.Set) *JWTVerifier {
	return &JWTVerifier{keySet: keySet, cancel: func() {}}
}

// fetchKeySet retrieves the JWKS from the cache (or fetches if needed)
func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		if err != nil {
			v.logger.Warn("jwks refresh failed", "url", v.jwksURL, "error", err)
			continue
		}
		v.keySetMutex.Lock()
		v.keySet = keySet
		v.keySetMutex.Unlock()
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// PrincipalFromRequest validates the bearer token of r
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	// jwt.ParseRequest handles the "Bearer " prefix
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &Principal{
		ID:    userID,
		Email: email,
		Name:  name,
	}, nil
}

// Close stops the background refresh
func (v *JWTVerifier) Close() {
	v.cancel()
}
