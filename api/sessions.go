package api

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"prism-board/board"
	"prism-board/layout"
)

const refreshConcurrency = 4

// Sessions holds one board controller per user. Controllers are created on
// first use and refreshed once before they are handed out.
type Sessions struct {
	source  board.TaskSource
	layouts func(userID string) layout.KV
	opts    board.Options
	log     *log.Logger

	mu       sync.Mutex
	sessions map[string]*board.Controller
}

// NewSessions creates a registry. layouts returns the layout store of a
// user, usually a namespaced view of one shared KV.
func NewSessions(source board.TaskSource, layouts func(userID string) layout.KV, opts board.Options) *Sessions {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sessions{
		source:   source,
		layouts:  layouts,
		opts:     opts,
		log:      logger,
		sessions: make(map[string]*board.Controller),
	}
}

// Get returns the controller of userID, creating and refreshing it when the
// user has no session yet. A failed initial refresh leaves the controller in
// the error state.
func (s *Sessions) Get(ctx context.Context, userID string) *board.Controller {
	if c, ok := s.Lookup(userID); ok {
		return c
	}
	c := board.New(ctx, s.source, layout.NewStore(s.layouts(userID)), s.opts)

	s.mu.Lock()
	if existing, ok := s.sessions[userID]; ok {
		s.mu.Unlock()
		c.Close()
		return existing
	}
	s.sessions[userID] = c
	s.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		s.log.WithError(err).WithField("user", userID).Warn("initial refresh failed")
	}
	return c
}

// Lookup returns the controller of userID without creating one.
func (s *Sessions) Lookup(userID string) (*board.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[userID]
	return c, ok
}

// End closes the session of userID. It reports whether one existed.
func (s *Sessions) End(userID string) bool {
	s.mu.Lock()
	c, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Sessions) matching(match func(userID string) bool) []*board.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*board.Controller, 0, len(s.sessions))
	for id, c := range s.sessions {
		if match == nil || match(id) {
			out = append(out, c)
		}
	}
	return out
}

// RefreshAll refetches every open session. Failures are logged; each
// controller keeps its previous tasks.
func (s *Sessions) RefreshAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(refreshConcurrency)
	for _, c := range s.matching(nil) {
		g.Go(func() error {
			if err := c.Refresh(ctx); err != nil {
				s.log.WithError(err).Warn("session refresh failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ReloadLayouts rereads the layout blob of every session whose user matches.
func (s *Sessions) ReloadLayouts(ctx context.Context, match func(userID string) bool) int {
	sessions := s.matching(match)
	for _, c := range sessions {
		c.ReloadLayouts(ctx)
	}
	return len(sessions)
}

// Close ends every session.
func (s *Sessions) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*board.Controller)
	s.mu.Unlock()
	for _, c := range sessions {
		c.Close()
	}
}
