package synth

import (
	"context"
	"testing"
	"time"
)

type countingBackend struct {
	calls int
}

func (c *countingBackend) Name() string { return "counting" }

func (c *countingBackend) Open(context.Context) (Session, error) { return c, nil }

func (c *countingBackend) Synthesize(_ context.Context, req Request) ([]byte, error) {
	c.calls++
	return []byte("audio:" + req.Text), nil
}

func (c *countingBackend) Close() error { return nil }

func TestCacheServesDeterministicRequests(t *testing.T) {
	inner := &countingBackend{}
	backend := WithCache(inner, NewMemoryStore(), time.Hour, newLogger())
	s, err := backend.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	req := Request{Text: "Hello.", Voice: VoiceRef{ID: "voice-a"}, Params: Params{Seed: 42}}
	for i := 0; i < 3; i++ {
		data, err := s.Synthesize(context.Background(), req)
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		if string(data) != "audio:Hello." {
			t.Fatalf("unexpected data %q", data)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one remote call, got %d", inner.calls)
	}

	req.Voice.ID = "voice-b"
	if _, err := s.Synthesize(context.Background(), req); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("a different voice must miss the cache, calls=%d", inner.calls)
	}
}

func TestCacheSkipsRandomSeed(t *testing.T) {
	inner := &countingBackend{}
	s, _ := WithCache(inner, NewMemoryStore(), 0, newLogger()).Open(context.Background())
	req := Request{Text: "Hello.", Params: Params{Seed: 0}}
	for i := 0; i < 2; i++ {
		if _, err := s.Synthesize(context.Background(), req); err != nil {
			t.Fatalf("synthesize: %v", err)
		}
	}
	if inner.calls != 2 {
		t.Fatalf("seed 0 requests must not be cached, calls=%d", inner.calls)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return now }
	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := store.Get(ctx, "k"); !hit {
		t.Fatal("expected hit before expiry")
	}
	now = now.Add(2 * time.Minute)
	if _, hit, _ := store.Get(ctx, "k"); hit {
		t.Fatal("expected miss after expiry")
	}
}
