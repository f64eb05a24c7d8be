package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, 10, time.Minute, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Minute, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, 10, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}

	l, err := NewRedisTokenBucket(client, 60, time.Minute, "")
	if err != nil {
		t.Fatalf("new token bucket: %v", err)
	}
	if got := l.key(" user-1 "); got != DefaultKeyPrefix+":user-1" {
		t.Fatalf("expected default prefixed key, got %s", got)
	}
	if got := l.key(""); got != DefaultKeyPrefix+":anonymous" {
		t.Fatalf("expected anonymous key, got %s", got)
	}
	if l.refillPerMS != 0.001 {
		t.Fatalf("expected refill of 0.001 tokens/ms, got %v", l.refillPerMS)
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(0), int64(2), int64(1500)})
	if err != nil {
		t.Fatalf("parse decision: %v", err)
	}
	if d.Allowed || d.Remaining != 2 || d.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, err := parseDecision([]any{int64(1)}); err == nil {
		t.Fatal("expected error for short response")
	}
	if _, err := parseDecision([]any{"x", int64(1), int64(0)}); err == nil {
		t.Fatal("expected error for non-numeric value")
	}
}
