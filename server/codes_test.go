package server

import (
	"sync"
	"testing"
	"time"
)

func TestCodeConsumeOnce(t *testing.T) {
	store := NewCodeStore(time.Minute)

	code, err := store.Issue(AuthCode{ClientID: "spa", Subject: "u-alice", Scopes: []string{"openid"}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, ok := store.Consume(code)
	if !ok {
		t.Fatal("first consume failed")
	}
	if got.ClientID != "spa" || got.Subject != "u-alice" {
		t.Fatalf("payload = %+v", got)
	}
	if _, ok := store.Consume(code); ok {
		t.Fatal("code consumed twice")
	}
}

func TestCodeExpires(t *testing.T) {
	store := NewCodeStore(10 * time.Millisecond)

	code, err := store.Issue(AuthCode{ClientID: "spa"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := store.Consume(code); ok {
		t.Fatal("expired code consumed")
	}
}

func TestCodeConcurrentConsume(t *testing.T) {
	store := NewCodeStore(time.Minute)

	code, err := store.Issue(AuthCode{ClientID: "spa"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 16
	wins := make(chan struct{}, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, ok := store.Consume(code); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("code redeemed %d times", count)
	}
}

func TestUnknownCode(t *testing.T) {
	store := NewCodeStore(time.Minute)
	if _, ok := store.Consume("never-issued"); ok {
		t.Fatal("unknown code consumed")
	}
}
