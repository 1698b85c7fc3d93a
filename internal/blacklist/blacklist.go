package blacklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/kvstore"
)

const keyPrefix = "blacklist:"

// Blacklist records revoked access tokens in the shared store. Each entry
// expires together with the token it blocks, so the set never needs a scan to
// stay small.
type Blacklist struct {
	store      kvstore.Store
	logger     *zap.Logger
	defaultTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// New creates a Blacklist. defaultTTL applies to tokens that carry no
// readable expiry.
func New(store kvstore.Store, logger *zap.Logger, defaultTTL time.Duration) *Blacklist {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Blacklist{
		store:      store,
		logger:     logger,
		defaultTTL: defaultTTL,
		now:        time.Now,
		parser:     jwt.NewParser(),
	}
}

// WithClock replaces the time source.
func (b *Blacklist) WithClock(now func() time.Time) *Blacklist {
	b.now = now
	return b
}

// Revoke blocks token until it would have expired anyway. Already expired
// tokens are ignored.
func (b *Blacklist) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Validationf("token is required")
	}

	key, ttl := b.entry(token)
	if ttl <= 0 {
		return nil
	}
	if err := b.store.Set(ctx, key, "1", ttl); err != nil {
		return fmt.Errorf("%w: revoke token: %v", domain.ErrStoreUnavailable, err)
	}
	b.logger.Info("token revoked", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// IsRevoked reports whether token was revoked and has not yet expired.
func (b *Blacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	key, _ := b.entry(strings.TrimSpace(token))
	ok, err := b.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: check token: %v", domain.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Count returns the number of live revocations.
func (b *Blacklist) Count(ctx context.Context) (int, error) {
	keys, err := b.store.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("%w: count revocations: %v", domain.ErrStoreUnavailable, err)
	}
	return len(keys), nil
}

// entry derives the store key and remaining lifetime of token. Signature
// verification belongs to the issuer; only the claims are read here.
func (b *Blacklist) entry(token string) (string, time.Duration) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := b.parser.ParseUnverified(token, claims); err != nil {
		if !errors.Is(err, jwt.ErrTokenMalformed) {
			b.logger.Debug("unreadable token claims", zap.Error(err))
		}
		return keyPrefix + digest(token), b.defaultTTL
	}

	key := keyPrefix + digest(token)
	if claims.ID != "" {
		key = keyPrefix + "jti:" + claims.ID
	}
	if claims.ExpiresAt == nil {
		return key, b.defaultTTL
	}
	return key, claims.ExpiresAt.Time.Sub(b.now())
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
