// Package session keeps the per-session conversation context in memory for
// the lifetime of the process. Updates to one session are serialized; updates
// to different sessions run in parallel.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/dshills/carecall/internal/schema"
)

// DefaultID is used when a request names no session.
const DefaultID = "default"

// ErrNoContext is returned when a session has no stored analysis.
var ErrNoContext = errors.New("session: no stored context")

// Context is everything remembered about one session.
type Context struct {
	SessionID      string          `json:"session_id"`
	Transcript     string          `json:"transcript"`
	Analysis       schema.Analysis `json:"analysis"`
	Tier           schema.Tier     `json:"analysis_tier"`
	Report         schema.Document `json:"incident_report"`
	Email          schema.Document `json:"email_draft"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastUpdateType string          `json:"last_update_type,omitempty"`
	LastUpdateInfo string          `json:"last_update_info,omitempty"`
	Version        int             `json:"version"`
}

// Clone returns a deep copy of c.
func (c Context) Clone() Context {
	out := c
	out.Analysis = c.Analysis.Clone()
	out.Report = c.Report.Clone()
	out.Email = c.Email.Clone()
	return out
}

type entry struct {
	mu  sync.Mutex
	ctx *Context
}

// Store is an in-memory session store safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry), now: time.Now}
}

func (s *Store) lookup(id string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok && create {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// Get returns a copy of the stored context for id.
func (s *Store) Get(id string) (Context, bool) {
	e := s.lookup(id, false)
	if e == nil {
		return Context{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return Context{}, false
	}
	return e.ctx.Clone(), true
}

// Put stores c under id, replacing any previous context. The version
// continues from the replaced context.
func (s *Store) Put(id string, c Context) Context {
	e := s.lookup(id, true)
	e.mu.Lock()
	for !s.current(id, e) {
		// cleared between lookup and lock
		e.mu.Unlock()
		e = s.lookup(id, true)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	now := s.now()
	c = c.Clone()
	c.SessionID = id
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1
	if e.ctx != nil {
		c.Version = e.ctx.Version + 1
	}
	e.ctx = &c
	return c.Clone()
}

// Update runs fn on a copy of the context for id while holding the
// session's lock, then commits the copy with the version incremented. If fn
// returns an error nothing is committed. Returns ErrNoContext when id has no
// stored context, including when it was cleared while fn ran.
func (s *Store) Update(id string, fn func(c *Context) error) (Context, error) {
	e := s.lookup(id, false)
	if e == nil {
		return Context{}, ErrNoContext
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return Context{}, ErrNoContext
	}

	work := e.ctx.Clone()
	if err := fn(&work); err != nil {
		return Context{}, err
	}
	if !s.current(id, e) {
		return Context{}, ErrNoContext
	}
	work.SessionID = id
	work.CreatedAt = e.ctx.CreatedAt
	work.UpdatedAt = s.now()
	work.Version = e.ctx.Version + 1
	e.ctx = &work
	return work.Clone(), nil
}

func (s *Store) current(id string, e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id] == e
}

// Clear removes the context for id and reports whether one existed.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existed := e.ctx != nil
	e.ctx = nil
	return existed
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
