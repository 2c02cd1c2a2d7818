package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisLimiter_AllowsWithinBurst(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	lim := NewRedisLimiter(rdb)

	for i := 0; i < 3; i++ {
		dec, err := lim.Allow(context.Background(), "k1", 1, 3, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			t.Fatalf("call %d: expected allowed within burst", i)
		}
	}

	dec, err := lim.Allow(context.Background(), "k1", 1, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatalf("expected the 4th call to exhaust the burst")
	}
	if dec.RetryAfterSeconds <= 0 {
		t.Fatalf("expected a positive retry-after when denied")
	}
}

func TestRedisLimiter_Refills(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	lim := NewRedisLimiter(rdb)

	for i := 0; i < 2; i++ {
		if _, err := lim.Allow(context.Background(), "k2", 10, 2, 1); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(time.Second)

	dec, err := lim.Allow(context.Background(), "k2", 10, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatalf("expected tokens to have refilled after 1s at rate=10")
	}
}

func TestLookup_FallsBackToDefault(t *testing.T) {
	if got := Lookup("nonexistent"); got.Name != PolicyDefault.Name {
		t.Fatalf("expected fallback to default policy, got %q", got.Name)
	}
	if got := Lookup("strict"); got != PolicyStrict {
		t.Fatalf("expected strict policy, got %+v", got)
	}
}

func TestKey_PrefersSubjectOverIP(t *testing.T) {
	if k := Key("default", "user_1", "1.2.3.4"); k != "ratelimit:default:user:user_1" {
		t.Fatalf("unexpected key: %s", k)
	}
	if k := Key("default", "", "1.2.3.4"); k != "ratelimit:default:ip:1.2.3.4" {
		t.Fatalf("unexpected key: %s", k)
	}
}
