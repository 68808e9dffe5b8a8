package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type delayRecorder struct {
	mu    sync.Mutex
	hosts []string
}

func (r *delayRecorder) ObserveRateLimitDelay(host string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, host)
}

func TestLimiterWaitPacesPerHost(t *testing.T) {
	rec := &delayRecorder{}
	// 10 requests per second = 100ms interval, starting with one token.
	l := New(Config{RPS: 10, Burst: 1}, rec)
	ctx := context.Background()

	if err := l.Wait(ctx, "https://apex.test/a"); err != nil {
		t.Fatal(err)
	}
	// A different host has its own bucket.
	start := time.Now()
	if err := l.Wait(ctx, "https://other.test/a"); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("expected immediate token for new host, waited %v", d)
	}

	start = time.Now()
	if err := l.Wait(ctx, "https://apex.test/b"); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", d)
	}
	if len(rec.hosts) != 1 || rec.hosts[0] != "apex.test" {
		t.Errorf("expected one recorded delay for apex.test, got %v", rec.hosts)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := New(Config{}, nil)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), "https://apex.test/"); err != nil {
			t.Fatal(err)
		}
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("unlimited limiter should not wait, took %v", d)
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	l := New(Config{RPS: 0.001, Burst: 1}, nil)
	if err := l.Wait(context.Background(), "https://apex.test/"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://apex.test/"); err == nil {
		t.Fatal("expected wait to fail once the context expires")
	}
}

type getterFunc func(ctx context.Context, url string) ([]byte, error)

func (f getterFunc) Get(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

func TestTransportWaitsBeforeGet(t *testing.T) {
	calls := 0
	next := getterFunc(func(context.Context, string) ([]byte, error) {
		calls++
		return []byte(`{"items":[]}`), nil
	})
	tr := Wrap(next, New(Config{RPS: 0.001, Burst: 1}, nil))

	if _, err := tr.Get(context.Background(), "https://apex.test/"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Get(ctx, "https://apex.test/")
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the limited call to be skipped, got %d calls", calls)
	}
}
