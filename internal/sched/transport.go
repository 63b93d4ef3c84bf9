package sched

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"ledgerflow/internal/model"
)

type ctxKey int

const (
	ctxPriority ctxKey = iota
	ctxWeight
	ctxCacheable
)

// WithPriority tags a request context with a scheduler priority.
func WithPriority(ctx context.Context, p model.Priority) context.Context {
	return context.WithValue(ctx, ctxPriority, p)
}

// WithWeight tags a request context with an explicit request weight.
func WithWeight(ctx context.Context, weight int) context.Context {
	return context.WithValue(ctx, ctxWeight, weight)
}

// WithCache marks a request as eligible for the short response cache.
func WithCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxCacheable, true)
}

// Transport adapts the scheduler to http.RoundTripper so exchange SDK
// clients send every call through the per-exchange queue. Priority,
// weight and cacheability travel in the request context; untagged
// requests dispatch at MEDIUM with the default weight.
type Transport struct {
	s *Scheduler
}

// Transport returns a RoundTripper bound to this scheduler.
func (s *Scheduler) Transport() *Transport {
	return &Transport{s: s}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	priority := model.PriorityMedium
	if p, ok := ctx.Value(ctxPriority).(model.Priority); ok {
		priority = p
	}
	weight := 0
	if w, ok := ctx.Value(ctxWeight).(int); ok {
		weight = w
	}
	cacheable := false
	if c, ok := ctx.Value(ctxCacheable).(bool); ok {
		cacheable = c
	}

	resp, err := t.s.Do(ctx, req, priority, weight, cacheable)
	if err != nil {
		return nil, err
	}

	return &http.Response{
		StatusCode:    resp.StatusCode,
		Status:        http.StatusText(resp.StatusCode),
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
		ProtoMajor:    1,
		ProtoMinor:    1,
	}, nil
}
