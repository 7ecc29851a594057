package recipient

import (
	"context"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func TestMemoryDirectoryProfileRoundTrip(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory(time.Minute)
	ctx := context.Background()

	if _, err := d.Profile(ctx, 1); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := d.SaveProfile(ctx, Profile{ID: 1, Tier: "pro"}); err != nil {
		t.Fatal(err)
	}
	p, err := d.Profile(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Tier != "pro" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestMemoryDirectoryProfileExpires(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory(10 * time.Millisecond)
	ctx := context.Background()
	if err := d.SaveProfile(ctx, Profile{ID: 1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := d.Profile(ctx, 1); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
}

func TestMemoryDirectoryListIsolation(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory(0)
	ctx := context.Background()

	src := []int64{1, 2, 3}
	if err := d.SaveList(ctx, "k", src, time.Minute); err != nil {
		t.Fatal(err)
	}
	src[0] = 99 // caller mutation must not leak into the cache

	got, err := d.List(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || len(got) != 3 {
		t.Fatalf("list = %v, want [1 2 3]", got)
	}

	got[1] = 42 // reader mutation must not corrupt the cache
	again, _ := d.List(ctx, "k")
	if again[1] != 2 {
		t.Fatalf("list = %v, cache was mutated through a read", again)
	}
}

func TestMemoryRegistryMarkAndExpiry(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry(30*time.Millisecond, logx.Nop(), nil)
	ctx := context.Background()

	if r.IsUnreachable(ctx, 5) {
		t.Fatal("fresh registry reports unreachable")
	}
	r.Mark(ctx, 5, "blocked")
	if !r.IsUnreachable(ctx, 5) {
		t.Fatal("marked recipient not reported unreachable")
	}
	if r.IsUnreachable(ctx, 6) {
		t.Fatal("unrelated recipient reported unreachable")
	}

	// Self-healing: after the TTL lapses, the recipient is probed again.
	time.Sleep(60 * time.Millisecond)
	if r.IsUnreachable(ctx, 5) {
		t.Fatal("mark did not expire")
	}
}
