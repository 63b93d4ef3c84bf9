package sched

import (
	"sync"
	"time"

	"ledgerflow/config"
)

// Registry owns one scheduler per exchange class. Workers for the same
// exchange share a queue so the bucket limits hold across clients.
type Registry struct {
	mu       sync.Mutex
	cfg      config.SchedulerConfig
	byName   map[string]*Scheduler
	timeout  time.Duration
	cacheTTL time.Duration
}

func NewRegistry(cfg config.SchedulerConfig) *Registry {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		byName:   make(map[string]*Scheduler),
		timeout:  timeout,
		cacheTTL: cacheTTL,
	}
}

// Get returns the scheduler for the exchange, creating it on first use.
func (r *Registry) Get(exchange string) *Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byName[exchange]; ok {
		return s
	}
	s := New(exchange, r.cfg.Exchanges[exchange], r.timeout, r.cacheTTL)
	r.byName[exchange] = s
	return s
}

// Close stops every scheduler.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range r.byName {
		s.Close()
		delete(r.byName, name)
	}
}
