// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpfed

import (
	"context"
	"errors"
	"sync"

	"github.com/bufbuild/httpfed/internal"
	"github.com/bufbuild/httpfed/tlsconfig"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Pool owns one [Service] per destination for a gateway that calls many
// subgraphs. Services are created lazily on first use from the consumed
// configuration and evicted after a period of disuse (see
// [WithIdleServiceTimeout]), so the set of live services tracks the set
// of destinations actually being called.
//
// All trust material is resolved and validated when the Pool is built,
// so malformed configuration fails construction rather than a later
// call. [Pool.Reload] swaps in a freshly validated configuration
// atomically; it never mutates the current one in place.
type Pool struct {
	rootCtx context.Context //nolint:containedctx
	cancel  context.CancelFunc
	opts    *options
	clock   internal.Clock
	logger  zerolog.Logger

	mu sync.RWMutex
	// +checklocks:mu
	cfg *Config
	// +checklocks:mu
	trust *tlsconfig.Registry
	// +checklocks:mu
	services map[string]poolEntry
	// +checklocks:mu
	closed bool
}

type poolEntry struct {
	svc      *Service
	activity chan struct{}
}

// NewPool validates the configuration and returns a pool over its
// destinations. The Config must not be mutated after it is handed to
// the pool; apply changes with [Pool.Reload].
func NewPool(cfg *Config, opts ...Option) (*Pool, error) {
	trust, err := tlsconfig.NewRegistry(cfg.TLSDefaults, cfg.tlsOverrides())
	if err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}
	built := newOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		rootCtx:  ctx,
		cancel:   cancel,
		opts:     built,
		clock:    internal.NewRealClock(),
		logger:   built.logger,
		cfg:      cfg,
		trust:    trust,
		services: map[string]poolEntry{},
	}, nil
}

// Get returns the service for the given destination, creating it if
// none exists. Unknown destinations fail with a [KindConfig] error.
func (p *Pool) Get(destination string) (*Service, error) {
	p.mu.RLock()
	closed := p.closed
	svc := p.getLocked(destination)
	p.mu.RUnlock()

	if closed {
		return nil, &Error{Kind: KindTransport, Destination: destination, Err: errPoolClosed}
	}
	if svc != nil {
		return svc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// double-check in case things changed while upgrading the lock
	if p.closed {
		return nil, &Error{Kind: KindTransport, Destination: destination, Err: errPoolClosed}
	}
	if svc := p.getLocked(destination); svc != nil {
		return svc, nil
	}

	tlsConf, ok := p.trust.Lookup(destination)
	if !ok {
		return nil, configError(destination, errors.New("unknown destination"))
	}
	svc = newService(destination, tlsConf, p.cfg.policyFor(destination), p.opts)
	activity := make(chan struct{}, 1)
	go p.closeWhenIdle(p.rootCtx, destination, svc, activity)
	p.services[destination] = poolEntry{svc: svc, activity: activity}
	return svc, nil
}

// Prewarm eagerly builds services for the given destinations, or for
// every configured destination if none are named, so the first call to
// each does not pay construction cost. It stops at the first unknown
// destination.
func (p *Pool) Prewarm(destinations ...string) error {
	if len(destinations) == 0 {
		p.mu.RLock()
		for destination := range p.cfg.Destinations {
			destinations = append(destinations, destination)
		}
		p.mu.RUnlock()
	}
	for _, destination := range destinations {
		if _, err := p.Get(destination); err != nil {
			return err
		}
	}
	return nil
}

// Handle sends one request via the destination's service, creating the
// service if needed. Errors from service creation carry the request's
// Context just like call errors do.
func (p *Pool) Handle(ctx context.Context, destination string, req *Request) (*Response, error) {
	svc, err := p.Get(destination)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) && typed.Context == nil {
			typed.Context = req.Context
		}
		return nil, err
	}
	return svc.Handle(ctx, req)
}

// Reload validates the new configuration, swaps it in atomically, and
// closes every service built from the old one. In-flight calls on
// replaced services complete; the next call to each destination gets a
// service built from the new configuration. If validation fails, the
// pool keeps the current configuration.
func (p *Pool) Reload(cfg *Config) error {
	trust, err := tlsconfig.NewRegistry(cfg.TLSDefaults, cfg.tlsOverrides())
	if err != nil {
		return &Error{Kind: KindConfig, Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &Error{Kind: KindTransport, Err: errPoolClosed}
	}
	replaced := p.services
	p.cfg = cfg
	p.trust = trust
	p.services = map[string]poolEntry{}
	p.mu.Unlock()

	p.logger.Debug().Int("replaced_services", len(replaced)).Msg("configuration reloaded")
	closeAll(replaced)
	return nil
}

// Close closes every service and stops the pool's background
// goroutines. The pool cannot be used afterward. Closing twice is a
// no-op.
func (p *Pool) Close() {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	services := p.services
	p.services = map[string]poolEntry{}
	p.mu.Unlock()
	if alreadyClosed {
		return
	}
	p.cancel()
	closeAll(services)
}

func closeAll(services map[string]poolEntry) {
	var group errgroup.Group
	for _, entry := range services {
		entry := entry
		group.Go(func() error {
			entry.svc.Close()
			return nil
		})
	}
	_ = group.Wait()
}

func (p *Pool) getLocked(destination string) *Service {
	entry, ok := p.services[destination]
	if !ok {
		return nil
	}
	// Update activity while the lock is held (usually a read lock, and
	// this is a non-blocking write). Doing this while locked avoids a
	// race with the idle timer trying to concurrently evict this service.
	select {
	case entry.activity <- struct{}{}:
	default:
	}
	return entry.svc
}

func (p *Pool) closeWhenIdle(ctx context.Context, destination string, svc *Service, activity <-chan struct{}) {
	timer := p.clock.NewTimer(p.opts.idleServiceTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			if p.tryEvict(destination, svc, activity) {
				p.logger.Debug().Str("destination", destination).Msg("evicted idle destination service")
				svc.Close()
				return
			}
			// Eviction lost to concurrent activity, so reset the timer
			// and try again.
			timer.Reset(p.opts.idleServiceTimeout)
		case <-ctx.Done():
			p.removeEntry(destination, svc)
			svc.Close()
			return
		case <-activity:
			// Bump the idle timer whenever there's activity. The timer
			// may have fired concurrently, so drain any stale expiry
			// before resetting or the next wait would end immediately.
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(p.opts.idleServiceTimeout)
		}
	}
}

func (p *Pool) tryEvict(destination string, svc *Service, activity <-chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	// need to check activity after the lock is acquired to make sure we
	// aren't racing with use of this service
	select {
	case <-activity:
		// another goroutine is now using it
		return false
	default:
	}
	if entry, ok := p.services[destination]; ok && entry.svc == svc {
		delete(p.services, destination)
	}
	return true
}

func (p *Pool) removeEntry(destination string, svc *Service) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.services[destination]; ok && entry.svc == svc {
		delete(p.services, destination)
	}
}
