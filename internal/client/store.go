// Package client is the application-state layer a dashboard builds on. It
// keeps session, plan, form and submission state in memory, writes through
// a Backend optimistically, and queues mutations while offline.
package client

import (
	"time"

	"formcraft/api/internal/clock"
)

type Store struct {
	Ops         *Operations
	Cache       *Cache
	Offline     *OfflineQueue
	Auth        *AuthSlice
	Plan        *PlanSlice
	Forms       *FormsSlice
	Submissions *SubmissionsSlice
}

type options struct {
	clock    clock.Clock
	cacheTTL time.Duration
	pageSize int
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = ttl }
}

func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

func New(backend Backend, opts ...Option) *Store {
	o := options{clock: clock.Real(), cacheTTL: DefaultTTL, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		Ops:     NewOperations(),
		Cache:   NewCache(o.clock, o.cacheTTL),
		Offline: NewOfflineQueue(o.clock),
	}
	s.Plan = &PlanSlice{backend: backend}
	s.Forms = &FormsSlice{
		backend: backend,
		clock:   o.clock,
		cache:   s.Cache,
		ops:     s.Ops,
		plan:    s.Plan,
		offline: s.Offline,
	}
	s.Submissions = &SubmissionsSlice{
		backend:  backend,
		clock:    o.clock,
		ops:      s.Ops,
		forms:    s.Forms,
		pageSize: o.pageSize,
	}
	s.Auth = &AuthSlice{backend: backend, clock: o.clock, onUserChange: s.resetUserState}
	return s
}

// resetUserState drops everything scoped to the previous user. Queued
// offline ops are discarded too since they would replay under the new
// user's credentials.
func (s *Store) resetUserState() {
	s.Ops.Reset()
	s.Cache.Clear()
	s.Offline.Clear()
	s.Plan.reset()
	s.Forms.reset()
	s.Submissions.reset()
}
