package server

import (
	"context"
	"sync"
	"testing"
)

func TestFindOrCreateReturnsSameRecord(t *testing.T) {
	store := NewMemoryAuthorizationStore()
	ctx := context.Background()

	first, err := store.FindOrCreate(ctx, "u-alice", "webapp", []string{"openid", "email"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Same set in a different order hits the same record.
	second, err := store.FindOrCreate(ctx, "u-alice", "webapp", []string{"email", "openid"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("records differ: %s vs %s", first.ID, second.ID)
	}

	other, err := store.FindOrCreate(ctx, "u-alice", "webapp", []string{"openid"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("different scope set reused the record")
	}
}

func TestFindOrCreateConcurrentConverges(t *testing.T) {
	store := NewMemoryAuthorizationStore()
	ctx := context.Background()

	const workers = 32
	ids := make([]string, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			a, err := store.FindOrCreate(ctx, "u-alice", "webapp", []string{"openid", "reports.read"})
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			ids[i] = a.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestRevokeThenRecreate(t *testing.T) {
	store := NewMemoryAuthorizationStore()
	ctx := context.Background()

	a, err := store.FindOrCreate(ctx, "u-alice", "webapp", []string{"openid"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Revoke(ctx, a.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != AuthorizationRevoked {
		t.Fatalf("status = %q", got.Status)
	}

	// A fresh grant after revocation creates a new valid record.
	fresh, err := store.FindOrCreate(ctx, "u-alice", "webapp", []string{"openid"})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if fresh.ID == a.ID {
		t.Fatal("revoked record resurrected")
	}
	if fresh.Status != AuthorizationValid {
		t.Fatalf("status = %q", fresh.Status)
	}
}

func TestRevokeUnknownID(t *testing.T) {
	store := NewMemoryAuthorizationStore()
	if err := store.Revoke(context.Background(), "nope"); err != ErrAuthorizationNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewMemoryAuthorizationStore()
	ctx := context.Background()

	a, err := store.FindOrCreate(ctx, "u-alice", "webapp", []string{"openid"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a.Scopes[0] = "mutated"
	a.Status = "mutated"

	again, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Scopes[0] != "openid" || again.Status != AuthorizationValid {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}
