package blocklist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sentrygw/apigateway/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(kv.NewFromRedis(rdb, time.Second))
}

func TestStore_BlockAndIsBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.IsBlocked(ctx, ScopeUser, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Blocked {
		t.Fatalf("expected not blocked before any write")
	}

	if err := s.Block(ctx, ScopeUser, "u1", "abuse", time.Hour); err != nil {
		t.Fatal(err)
	}

	st, err = s.IsBlocked(ctx, ScopeUser, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Blocked || st.Reason != "abuse" {
		t.Fatalf("expected blocked with reason abuse, got %+v", st)
	}
	if st.ExpiresAt.IsZero() {
		t.Fatalf("expected a non-zero expiry for a temporary block")
	}
}

func TestStore_BlockPermanent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Block(ctx, ScopeIP, "1.2.3.4", "manual ban", 0); err != nil {
		t.Fatal(err)
	}

	st, err := s.IsBlocked(ctx, ScopeIP, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Blocked || !st.ExpiresAt.IsZero() {
		t.Fatalf("expected a permanent block with zero ExpiresAt, got %+v", st)
	}
}

func TestStore_Unblock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	existed, err := s.Unblock(ctx, ScopeUser, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatalf("expected no entry to unblock")
	}

	_ = s.Block(ctx, ScopeUser, "u2", "x", time.Minute)
	existed, err = s.Unblock(ctx, ScopeUser, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatalf("expected an entry to have existed")
	}

	st, _ := s.IsBlocked(ctx, ScopeUser, "u2")
	if st.Blocked {
		t.Fatalf("expected unblock to clear the entry")
	}
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Block(ctx, ScopeUser, "u1", "r1", time.Hour)
	_ = s.Block(ctx, ScopeUser, "u2", "r2", 0)
	_ = s.Block(ctx, ScopeIP, "9.9.9.9", "r3", time.Hour)

	entries, err := s.List(ctx, ScopeUser)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 user entries, got %d", len(entries))
	}
}

func TestStore_CheckAny_FirstHit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Block(ctx, ScopeIP, "5.5.5.5", "blocked ip", time.Hour)

	res, err := s.CheckAny(ctx, map[Scope]string{
		ScopeUser: "u1",
		ScopeIP:   "5.5.5.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatalf("expected a hit")
	}
	if res.Scope != ScopeIP || res.ID != "5.5.5.5" {
		t.Fatalf("expected ip hit, got %+v", res)
	}
}

func TestStore_CheckAny_NoHit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.CheckAny(ctx, map[Scope]string{
		ScopeUser: "u1",
		ScopeIP:   "5.5.5.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("expected no hit, got %+v", res)
	}
}
