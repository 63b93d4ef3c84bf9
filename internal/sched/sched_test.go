package sched

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgerflow/config"
	"ledgerflow/internal/model"
)

func testScheduler(cacheTTL time.Duration) *Scheduler {
	return New("test", []config.BucketConfig{
		{RefillRate: 1000, Capacity: 1000, DefaultWeight: 1},
	}, 5*time.Second, cacheTTL)
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestDoReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	s := testScheduler(0)
	defer s.Close()

	resp, err := s.Do(context.Background(), get(t, srv.URL+"/ping"), model.PriorityHigh, 1, false)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "pong" {
		t.Fatalf("resp = %d %q", resp.StatusCode, resp.Body)
	}
}

func TestCacheableGetServedFromCache(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte("v"))
	}))
	defer srv.Close()

	s := testScheduler(time.Minute)
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Do(ctx, get(t, srv.URL+"/klines"), model.PriorityLow, 1, true); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.Do(ctx, get(t, srv.URL+"/klines"), model.PriorityLow, 1, true); err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("server hits = %d, want 1", got)
	}
}

func TestConcurrentGetsCoalesce(t *testing.T) {
	var hits int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		<-release
		w.Write([]byte("v"))
	}))
	defer srv.Close()

	s := testScheduler(0)
	defer s.Close()

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Do(context.Background(), get(t, srv.URL+"/account"), model.PriorityLow, 1, false)
		}(i)
	}

	// Let every caller enqueue or attach before the response is released.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("server hits = %d, want 1", got)
	}
}

func TestRetryOnTooManyRequests(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := testScheduler(0)
	defer s.Close()

	start := time.Now()
	resp, err := s.Do(context.Background(), get(t, srv.URL+"/trades"), model.PriorityHigh, 1, false)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d after retry", resp.StatusCode)
	}
	if atomic.LoadInt64(&hits) != 2 {
		t.Fatalf("hits = %d, want 2", hits)
	}
	if time.Since(start) < time.Second {
		t.Fatalf("retry did not honour Retry-After")
	}
}

func TestRetryOnServerError(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := testScheduler(0)
	defer s.Close()

	resp, err := s.Do(context.Background(), get(t, srv.URL+"/income"), model.PriorityHigh, 1, false)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK || atomic.LoadInt64(&hits) != 2 {
		t.Fatalf("status = %d hits = %d", resp.StatusCode, hits)
	}
}

func TestClosedSchedulerRejects(t *testing.T) {
	s := testScheduler(0)
	s.Close()

	if _, err := s.Do(context.Background(), get(t, "http://localhost/x"), model.PriorityHigh, 1, false); err == nil {
		t.Fatalf("expected error from closed scheduler")
	}
}

func TestBucketCapacityPacesWindow(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := New("test", []config.BucketConfig{
		{RefillRate: 4, Capacity: 4, DefaultWeight: 1},
	}, 5*time.Second, 0)
	defer s.Close()

	start := time.Now()
	for i := 0; i < 12; i++ {
		resp, err := s.Do(context.Background(), get(t, srv.URL+"/paced"), model.PriorityHigh, 1, false)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: status %d", i, resp.StatusCode)
		}
	}

	if got := atomic.LoadInt64(&hits); got != 12 {
		t.Fatalf("server hits = %d, want 12", got)
	}
	// Four tokens up front, eight more refilled at 4/s: the run cannot
	// finish under two seconds and nothing gets throttled away.
	if elapsed := time.Since(start); elapsed < 1900*time.Millisecond {
		t.Fatalf("12 calls finished in %s, bucket not pacing", elapsed)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	if got := retryAfter(h, 2*time.Second); got != 2*time.Second {
		t.Fatalf("fallback = %s", got)
	}
	h.Set("Retry-After", "7")
	if got := retryAfter(h, 2*time.Second); got != 7*time.Second {
		t.Fatalf("header = %s", got)
	}
	h.Set("Retry-After", "bogus")
	if got := retryAfter(h, 2*time.Second); got != 2*time.Second {
		t.Fatalf("bogus header = %s", got)
	}
}
