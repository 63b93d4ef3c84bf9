package sched

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ledgerflow/config"
	"ledgerflow/internal/model"
	"ledgerflow/logger"
)

// Response is the materialised result of a scheduled request. Bodies
// are read eagerly so deduplicated waiters and the short-lived cache
// can all consume the same response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type result struct {
	resp *Response
	err  error
}

type item struct {
	priority  model.Priority
	seq       int64
	weight    int
	cacheable bool
	req       *http.Request
	done      chan result
}

type queue []*item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q queue) Swap(i, j int)  { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)    { *q = append(*q, x.(*item)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

type cacheEntry struct {
	resp    *Response
	expires time.Time
}

type inflight struct {
	waiters []chan result
}

// Scheduler serialises all REST egress for one exchange class under its
// token-bucket limits. Identical concurrent GETs coalesce into a single
// dispatch, and cacheable responses are served for a short TTL without
// queueing.
type Scheduler struct {
	exchange string
	buckets  []*rate.Limiter
	weights  []int
	client   *http.Client
	cacheTTL time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	q        queue
	seq      int64
	closed   bool
	cache    map[string]cacheEntry
	inflight map[string]*inflight

	wg  sync.WaitGroup
	log *logger.Log
}

// New creates a scheduler for one exchange from its bucket descriptors
// and starts the dispatch loop.
func New(exchange string, buckets []config.BucketConfig, timeout, cacheTTL time.Duration) *Scheduler {
	s := &Scheduler{
		exchange: exchange,
		client:   &http.Client{Timeout: timeout},
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]*inflight),
		log:      logger.GetLogger(),
	}
	s.cond = sync.NewCond(&s.mu)

	for _, b := range buckets {
		s.buckets = append(s.buckets, rate.NewLimiter(rate.Limit(b.RefillRate), b.Capacity))
		w := b.DefaultWeight
		if w <= 0 {
			w = 1
		}
		s.weights = append(s.weights, w)
	}
	if len(s.buckets) == 0 {
		// No descriptor configured; a single permissive bucket keeps
		// the dispatch path uniform.
		s.buckets = append(s.buckets, rate.NewLimiter(rate.Limit(20), 40))
		s.weights = append(s.weights, 1)
	}

	s.wg.Add(1)
	go s.dispatch()

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"exchange": exchange,
		"buckets":  len(s.buckets),
	}).Info("scheduler initialized")
	return s
}

// DefaultWeight reports the default request weight of the first bucket.
func (s *Scheduler) DefaultWeight() int { return s.weights[0] }

// Do schedules req and blocks until it has been dispatched and its body
// read, or ctx is cancelled. priority orders the queue; weight is the
// cost charged against every bucket.
func (s *Scheduler) Do(ctx context.Context, req *http.Request, priority model.Priority, weight int, cacheable bool) (*Response, error) {
	if weight <= 0 {
		weight = s.weights[0]
	}

	key := requestKey(req)
	isGet := req.Method == http.MethodGet || req.Method == ""

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler for %s is closed", s.exchange)
	}

	if isGet && cacheable {
		if e, ok := s.cache[key]; ok && time.Now().Before(e.expires) {
			s.mu.Unlock()
			return e.resp, nil
		}
	}

	done := make(chan result, 1)

	if isGet {
		if fl, ok := s.inflight[key]; ok {
			fl.waiters = append(fl.waiters, done)
			s.mu.Unlock()
			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s.inflight[key] = &inflight{}
	}

	s.seq++
	it := &item{
		priority:  priority,
		seq:       s.seq,
		weight:    weight,
		cacheable: cacheable,
		req:       req,
		done:      done,
	}
	heap.Push(&s.q, it)
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.q) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			for len(s.q) > 0 {
				it := heap.Pop(&s.q).(*item)
				s.finish(it, result{err: fmt.Errorf("scheduler for %s is closed", s.exchange)}, false)
			}
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.q).(*item)
		s.mu.Unlock()

		res := s.execute(it)

		s.mu.Lock()
		s.finish(it, res, true)
		s.mu.Unlock()
	}
}

// finish delivers the result to the item's waiter and any deduplicated
// followers, and fills the cache. Callers hold s.mu.
func (s *Scheduler) finish(it *item, res result, cache bool) {
	key := requestKey(it.req)
	if cache && res.err == nil && it.cacheable {
		s.cache[key] = cacheEntry{resp: res.resp, expires: time.Now().Add(s.cacheTTL)}
	}
	it.done <- res
	if fl, ok := s.inflight[key]; ok {
		for _, w := range fl.waiters {
			w <- res
		}
		delete(s.inflight, key)
	}
}

func (s *Scheduler) execute(it *item) result {
	ctx := it.req.Context()
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"exchange": s.exchange,
		"url":      it.req.URL.Path,
	})

	backoff := time.Second
	for attempt := 0; ; attempt++ {
		for _, b := range s.buckets {
			if err := b.WaitN(ctx, it.weight); err != nil {
				return result{err: err}
			}
		}

		start := time.Now()
		resp, err := s.client.Do(it.req)
		if err != nil {
			return result{err: err}
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return result{err: err}
		}
		logger.LogPerformanceEntry(log, "scheduler", "rest_dispatch", time.Since(start), logger.Fields{
			"status": resp.StatusCode,
		})

		switch {
		case resp.StatusCode == http.StatusTooManyRequests && attempt < 3:
			wait := retryAfter(resp.Header, backoff)
			log.WithFields(logger.Fields{"retry_in": wait.String()}).Warn("rate limit exceeded, backing off")
			if !sleepCtx(ctx, wait) {
				return result{err: ctx.Err()}
			}
			backoff *= 2
			it.req = rewind(it.req)
			continue
		case resp.StatusCode >= 500 && attempt < 3:
			log.WithFields(logger.Fields{"status": resp.StatusCode, "retry_in": backoff.String()}).Warn("exchange unavailable, backing off")
			if !sleepCtx(ctx, backoff) {
				return result{err: ctx.Err()}
			}
			backoff *= 2
			it.req = rewind(it.req)
			continue
		}

		return result{resp: &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}}
	}
}

// Close drains the queue and stops the dispatch loop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func requestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// rewind re-arms a request body for retry when one was set.
func rewind(req *http.Request) *http.Request {
	if req.GetBody == nil {
		return req
	}
	body, err := req.GetBody()
	if err != nil {
		return req
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone
}
