package tutor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// parkedEntry holds an adapter surviving a client disconnect.
type parkedEntry struct {
	adapter  *Adapter
	deadline time.Time
}

// Registry holds parked adapters keyed by session id. Every parked entry
// is either reclaimed or killed exactly once: reclaim is a compound pop
// under the registry mutex, so no adapter is ever handed to two callers.
type Registry struct {
	ttl           time.Duration
	capacity      int
	sweepInterval time.Duration
	log           zerolog.Logger

	mu     sync.Mutex
	parked map[string]*parkedEntry
}

// NewRegistry returns a Registry with the given TTL and capacity.
func NewRegistry(ttl time.Duration, capacity int, sweepInterval time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		ttl:           ttl,
		capacity:      capacity,
		sweepInterval: sweepInterval,
		log:           log.With().Str("component", "registry").Logger(),
		parked:        make(map[string]*parkedEntry),
	}
}

// Park stores the adapter with deadline now+TTL. At capacity, the entry
// with the earliest deadline is evicted and terminated. Parking over an
// existing entry for the same session terminates the old adapter.
func (r *Registry) Park(sessionID string, a *Adapter) {
	var evicted []*Adapter

	r.mu.Lock()
	if old, ok := r.parked[sessionID]; ok {
		evicted = append(evicted, old.adapter)
		delete(r.parked, sessionID)
	}
	if len(r.parked) >= r.capacity {
		var oldestID string
		var oldest *parkedEntry
		for id, e := range r.parked {
			if oldest == nil || e.deadline.Before(oldest.deadline) {
				oldestID, oldest = id, e
			}
		}
		if oldest != nil {
			evicted = append(evicted, oldest.adapter)
			delete(r.parked, oldestID)
		}
	}
	r.parked[sessionID] = &parkedEntry{adapter: a, deadline: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	for _, a := range evicted {
		r.terminate(a, "evicted")
	}
	r.log.Info().Str("session", sessionID).Dur("ttl", r.ttl).Msg("adapter parked")
}

// Reclaim atomically removes and returns the parked adapter for the
// session, or nil if none is parked or its deadline has passed. An
// expired entry found here is terminated in place.
func (r *Registry) Reclaim(sessionID string) *Adapter {
	r.mu.Lock()
	e, ok := r.parked[sessionID]
	if ok {
		delete(r.parked, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if time.Now().After(e.deadline) {
		r.terminate(e.adapter, "expired on reclaim")
		return nil
	}
	r.log.Info().Str("session", sessionID).Msg("adapter reclaimed")
	return e.adapter
}

// Kill removes and terminates the parked adapter for the session, if any.
func (r *Registry) Kill(sessionID string) {
	r.mu.Lock()
	e, ok := r.parked[sessionID]
	if ok {
		delete(r.parked, sessionID)
	}
	r.mu.Unlock()

	if ok {
		r.terminate(e.adapter, "killed")
	}
}

// Sweep removes and terminates every entry whose deadline has passed.
func (r *Registry) Sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Adapter
	for id, e := range r.parked {
		if now.After(e.deadline) {
			expired = append(expired, e.adapter)
			delete(r.parked, id)
		}
	}
	r.mu.Unlock()

	for _, a := range expired {
		r.terminate(a, "ttl expired")
	}
}

// KillAll terminates every parked adapter. Used at shutdown.
func (r *Registry) KillAll() {
	r.mu.Lock()
	var all []*Adapter
	for id, e := range r.parked {
		all = append(all, e.adapter)
		delete(r.parked, id)
	}
	r.mu.Unlock()

	for _, a := range all {
		r.terminate(a, "shutdown")
	}
}

// Size returns the number of parked entries.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

// terminate ends one adapter and removes its session workspace,
// containing any panic so a single failed termination can never halt a
// sweep.
func (r *Registry) terminate(a *Adapter, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("session", a.SessionID).Msg("adapter termination panicked")
		}
	}()
	r.log.Info().Str("session", a.SessionID).Str("reason", reason).Msg("terminating parked adapter")
	a.End()
	if a.Workspace != "" {
		if err := os.RemoveAll(a.Workspace); err != nil {
			r.log.Warn().Err(err).Str("session", a.SessionID).Msg("remove workspace")
		}
	}
}

// Run drives the periodic sweep until ctx is done. The inner loop runs
// under a supervisor that restarts it if it ever exits early.
func (r *Registry) Run(ctx context.Context) {
	for {
		r.sweepLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn().Msg("sweep loop exited, restarting")
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("sweep loop panicked")
		}
	}()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
