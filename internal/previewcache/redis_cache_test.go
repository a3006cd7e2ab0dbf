package previewcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"talewise/api/internal/rules"
)

func setupTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache, s
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	if _, err := NewRedisCache("not a url", time.Minute); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPutAndGet(t *testing.T) {
	cache, s := setupTestCache(t, time.Minute)
	ctx := context.Background()

	contract := rules.Contract{
		RuleSetVersion:     "v1",
		AgeGroup:           rules.AgePreschool,
		AllowedCopingTools: []string{"counting"},
		LengthBudget:       rules.LengthBudget{MinScenes: 5, MaxScenes: 8, MaxWords: 450},
	}
	if err := cache.Put(ctx, "brf_1", "none", contract); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Exists("preview:brf_1:v1:none") {
		t.Fatalf("expected key preview:brf_1:v1:none, have %v", s.Keys())
	}

	got, ok, err := cache.Get(ctx, "brf_1", "v1", "none")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.LengthBudget != contract.LengthBudget || got.AllowedCopingTools[0] != "counting" {
		t.Fatalf("unexpected cached contract: %+v", got)
	}

	if _, ok, err := cache.Get(ctx, "brf_1", "v2", "none"); err != nil || ok {
		t.Fatalf("different rule set version must miss: ok=%v err=%v", ok, err)
	}
}

func TestEntriesExpire(t *testing.T) {
	cache, s := setupTestCache(t, time.Second)
	ctx := context.Background()

	if err := cache.Put(ctx, "brf_2", "abc", rules.Contract{RuleSetVersion: "v1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, ok, err := cache.Get(ctx, "brf_2", "v1", "abc"); err != nil || ok {
		t.Fatalf("expected expired entry: ok=%v err=%v", ok, err)
	}
}

func TestGetCorruptEntry(t *testing.T) {
	cache, s := setupTestCache(t, time.Minute)
	if err := s.Set("preview:brf_3:v1:none", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := cache.Get(context.Background(), "brf_3", "v1", "none"); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
