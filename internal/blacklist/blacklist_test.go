package blacklist_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/blacklist"
	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/kvstore"
)

func signedToken(t *testing.T, id string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ID: id, ExpiresAt: jwt.NewNumericDate(exp)}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func newRedisBlacklist(t *testing.T) (*blacklist.Blacklist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return blacklist.New(kvstore.NewRedisStore(client), zap.NewNop(), time.Hour), mr
}

func TestBlacklist_TTLMatchesRemainingLifetime(t *testing.T) {
	bl, mr := newRedisBlacklist(t)
	ctx := context.Background()

	tok := signedToken(t, "abc", time.Now().Add(10*time.Minute))
	if err := bl.Revoke(ctx, tok); err != nil {
		t.Fatal(err)
	}

	ttl := mr.TTL("blacklist:jti:abc")
	if ttl <= 9*time.Minute || ttl > 10*time.Minute {
		t.Fatalf("expected ttl close to 10m, got %v", ttl)
	}

	revoked, err := bl.IsRevoked(ctx, tok)
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v (%v)", revoked, err)
	}

	mr.FastForward(11 * time.Minute)
	revoked, _ = bl.IsRevoked(ctx, tok)
	if revoked {
		t.Fatal("revocation must expire with the token")
	}
}

func TestBlacklist_ExpiredTokenIsIgnored(t *testing.T) {
	bl, _ := newRedisBlacklist(t)
	ctx := context.Background()

	tok := signedToken(t, "old", time.Now().Add(-time.Minute))
	if err := bl.Revoke(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if n, _ := bl.Count(ctx); n != 0 {
		t.Fatalf("expected nothing stored, got %d", n)
	}
}

func TestBlacklist_OpaqueTokenUsesDigest(t *testing.T) {
	bl, mr := newRedisBlacklist(t)
	ctx := context.Background()

	if err := bl.Revoke(ctx, "opaque-session-token"); err != nil {
		t.Fatal(err)
	}
	if n, _ := bl.Count(ctx); n != 1 {
		t.Fatalf("expected 1 revocation, got %d", n)
	}
	for _, k := range mr.Keys() {
		if ttl := mr.TTL(k); ttl != time.Hour {
			t.Fatalf("expected default ttl on %s, got %v", k, ttl)
		}
	}
	if revoked, _ := bl.IsRevoked(ctx, "other-token"); revoked {
		t.Fatal("unrelated token reported revoked")
	}
}

func TestBlacklist_EmptyToken(t *testing.T) {
	bl := blacklist.New(kvstore.NewMemoryStore(), zap.NewNop(), 0)
	if err := bl.Revoke(context.Background(), "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestBlacklist_StoreDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	bl := blacklist.New(kvstore.NewRedisStore(client), zap.NewNop(), time.Hour)
	mr.Close()

	if _, err := bl.IsRevoked(context.Background(), "t"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
