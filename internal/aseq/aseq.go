// Package aseq implements spec §4.I: the bounded concurrent scheduler a
// context uses to run redo actions without exceeding a configured degree
// of parallelism, and the result proxies callers of Start block on.
package aseq

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Func is a scheduled unit of work: a redo action together with its
// aftermath (persisting the run-database state), run under ctx so it can
// observe cancellation from CancelAll.
type Func func(ctx context.Context) (any, error)

// Sequencer runs Funcs with at most maxParallel active at any time, and
// lets a context drain every still-running one on exit — waiting for
// normal completion (CompleteAll) or requesting cancellation
// (CancelAll). It implements ctxstack.RedoDrain.
type Sequencer struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	wg         sync.WaitGroup
	proxyByUID map[any]*ResultProxy
	allProxies []*ResultProxy
	closed     bool
}

// New returns a Sequencer that never runs more than maxParallel Funcs
// concurrently. maxParallel <= 0 is treated as 1.
func New(maxParallel int64) *Sequencer {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		sem:        semaphore.NewWeighted(maxParallel),
		ctx:        ctx,
		cancel:     cancel,
		proxyByUID: map[any]*ResultProxy{},
	}
}

// ResultProxy is a handle on one scheduled Func. Complete blocks until the
// Func has returned, delivering its result or error exactly once.
type ResultProxy struct {
	uid  any
	done chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

func newResultProxy(uid any) *ResultProxy {
	return &ResultProxy{uid: uid, done: make(chan struct{})}
}

func (p *ResultProxy) deliver(result any, err error) {
	p.mu.Lock()
	p.result, p.err = result, err
	p.mu.Unlock()
	close(p.done)
}

// Complete blocks until the Func backing p has finished, then returns its
// result. Calling Complete more than once returns the same result.
func (p *ResultProxy) Complete() (any, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

// PendingFor returns the still-running proxy registered under uid, if any
// — the Go analogue of the source's
// Context._get_pending_result_proxy_for, used to serialize two Start
// calls for the same tool instance.
func (s *Sequencer) PendingFor(uid any) (*ResultProxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxyByUID[uid]
	return p, ok
}

// WaitThenStart blocks until a concurrency slot is free, then schedules fn
// and returns immediately with a ResultProxy for it. uid, if non-nil,
// makes the proxy discoverable via PendingFor until fn completes.
func (s *Sequencer) WaitThenStart(uid any, fn Func) (*ResultProxy, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("aseq: sequencer is shut down")
	}
	s.mu.Unlock()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return nil, fmt.Errorf("aseq: waiting for a concurrency slot: %w", err)
	}

	proxy := newResultProxy(uid)
	s.mu.Lock()
	if uid != nil {
		s.proxyByUID[uid] = proxy
	}
	s.allProxies = append(s.allProxies, proxy)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		result, err := fn(s.ctx)
		proxy.deliver(result, err)
		if uid != nil {
			s.mu.Lock()
			if s.proxyByUID[uid] == proxy {
				delete(s.proxyByUID, uid)
			}
			s.mu.Unlock()
		}
	}()

	return proxy, nil
}

// CompleteAll waits for every scheduled Func to finish and returns the
// first error encountered, if any. It satisfies ctxstack.RedoDrain.
func (s *Sequencer) CompleteAll() error {
	s.mu.Lock()
	proxies := append([]*ResultProxy(nil), s.allProxies...)
	s.mu.Unlock()

	var first error
	for _, p := range proxies {
		if _, err := p.Complete(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CancelAll requests cancellation of every still-running Func (via the
// context passed to each), then waits for all of them to return. It
// satisfies ctxstack.RedoDrain.
func (s *Sequencer) CancelAll() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}
