package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		for _, prefix := range []string{RuleSend.Key + "test_*", RuleConnect.Key + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Close()
	})
	return NewLimiter(client)
}

func testID(t *testing.T) string {
	return fmt.Sprintf("test_%s_%d", t.Name(), time.Now().UnixNano())
}

func TestAllow_WithinLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	id := testID(t)

	for i := 0; i < RuleSend.Limit; i++ {
		allowed, err := limiter.Allow(ctx, id, RuleSend)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d denied, limit is %d", i+1, RuleSend.Limit)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	id := testID(t)

	for i := 0; i < RuleSend.Limit; i++ {
		if _, err := limiter.Allow(ctx, id, RuleSend); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	allowed, err := limiter.Allow(ctx, id, RuleSend)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Errorf("request %d allowed, want denial past the limit", RuleSend.Limit+1)
	}
}

func TestAllow_WindowResets(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	id := testID(t)
	rule := Rule{Key: "rl:send:", Limit: 2, Window: time.Second}

	for i := 0; i < rule.Limit; i++ {
		limiter.Allow(ctx, id, rule)
	}
	if allowed, _ := limiter.Allow(ctx, id, rule); allowed {
		t.Fatal("expected denial at limit")
	}

	time.Sleep(rule.Window + 200*time.Millisecond)
	if allowed, _ := limiter.Allow(ctx, id, rule); !allowed {
		t.Error("window expired but request still denied")
	}
}

func TestRemaining(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	id := testID(t)

	remaining, err := limiter.Remaining(ctx, id, RuleSend)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != RuleSend.Limit {
		t.Errorf("fresh identifier remaining = %d, want %d", remaining, RuleSend.Limit)
	}

	limiter.Allow(ctx, id, RuleSend)
	limiter.Allow(ctx, id, RuleSend)

	remaining, err = limiter.Remaining(ctx, id, RuleSend)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != RuleSend.Limit-2 {
		t.Errorf("remaining = %d, want %d", remaining, RuleSend.Limit-2)
	}

	// Blow past the limit; remaining clamps at zero rather than going
	// negative.
	for i := 0; i < RuleSend.Limit; i++ {
		limiter.Allow(ctx, id, RuleSend)
	}
	remaining, err = limiter.Remaining(ctx, id, RuleSend)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 0 {
		t.Errorf("exhausted window remaining = %d, want 0", remaining)
	}
}

func TestSendLimiter_FailsOpenWithoutRedis(t *testing.T) {
	// Point at a port nothing listens on; every send must still be allowed.
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()

	s := NewSendLimiter(NewLimiter(client))
	if !s.AllowSend(context.Background(), "test_u1") {
		t.Error("send denied while Redis is unreachable, want fail open")
	}
}
