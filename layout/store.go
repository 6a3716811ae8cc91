// Package layout persists the named view configurations of a board.
package layout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// StorageKey is the well-known key of the serialized layout blob.
const StorageKey = "project-layout-config"

// KV is the persistent key-value store holding the layout blob.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Layouts is the active configuration plus every saved configuration. The
// built-in default is always the first saved entry.
type Layouts struct {
	Active domain.ViewConfiguration   `json:"currentLayout"`
	Saved  []domain.ViewConfiguration `json:"savedLayouts"`
}

func (l Layouts) clone() Layouts {
	out := Layouts{Active: l.Active.Clone(), Saved: make([]domain.ViewConfiguration, len(l.Saved))}
	for i, c := range l.Saved {
		out.Saved[i] = c.Clone()
	}
	return out
}

// Find returns the saved configuration with the given id.
func (l Layouts) Find(id string) (domain.ViewConfiguration, bool) {
	for _, c := range l.Saved {
		if c.ID == id {
			return c.Clone(), true
		}
	}
	return domain.ViewConfiguration{}, false
}

func defaults() Layouts {
	return Layouts{Active: domain.DefaultLayout(), Saved: []domain.ViewConfiguration{domain.DefaultLayout()}}
}

// Store owns the saved layouts for one key. All operations read-modify-write
// the whole blob under a single lock.
type Store struct {
	kv  KV
	key string
	now func() time.Time

	mu     sync.Mutex
	state  Layouts
	loaded bool
}

// Option customises a Store.
type Option func(*Store)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithClock overrides the clock used to derive new layout ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store persisting to kv.
func NewStore(kv KV, opts ...Option) *Store {
	s := &Store{kv: kv, key: StorageKey, now: time.Now, state: defaults()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted layouts. A missing, unreadable or corrupt blob
// yields the built-in default rather than an error.
func (s *Store) Load(ctx context.Context) Layouts {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.read(ctx)
	s.loaded = true
	return s.state.clone()
}

// Current returns the in-memory layouts, loading them on first use.
func (s *Store) Current(ctx context.Context) Layouts {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	return s.state.clone()
}

// SaveActive stores cfg as the active layout. When cfg is a saved user layout
// the saved entry is updated as well. cfg must carry an id and pass Validate;
// otherwise nothing changes and the error wraps ErrValidation.
func (s *Store) SaveActive(ctx context.Context, cfg domain.ViewConfiguration) (Layouts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	if strings.TrimSpace(cfg.ID) == "" {
		return s.state.clone(), fmt.Errorf("%w: layout id is required", domain.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return s.state.clone(), err
	}
	cfg = cfg.Clone()
	cfg.IsDefault = cfg.ID == domain.DefaultLayoutID
	next := s.state.clone()
	next.Active = cfg
	if cfg.ID != domain.DefaultLayoutID {
		for i := range next.Saved {
			if next.Saved[i].ID == cfg.ID {
				next.Saved[i] = cfg.Clone()
			}
		}
	}
	return s.commit(ctx, next)
}

// SaveAsNew stores a copy of cfg under a fresh id and name and makes it the
// active layout. Apart from id, name and the derived IsDefault flag the stored
// layout equals cfg; a cfg failing Validate is rejected.
func (s *Store) SaveAsNew(ctx context.Context, cfg domain.ViewConfiguration, name string) (domain.ViewConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	if err := cfg.Validate(); err != nil {
		return domain.ViewConfiguration{}, err
	}
	created := cfg.Clone()
	created.ID = s.newID()
	created.Name = name
	created.IsDefault = false

	next := s.state.clone()
	next.Saved = append(next.Saved, created.Clone())
	next.Active = created.Clone()
	_, err := s.commit(ctx, next)
	return created, err
}

// Select activates a saved layout.
func (s *Store) Select(ctx context.Context, id string) (Layouts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	cfg, ok := s.state.Find(id)
	if !ok {
		return s.state.clone(), fmt.Errorf("layout %s: %w", id, domain.ErrNotFound)
	}
	next := s.state.clone()
	next.Active = cfg
	return s.commit(ctx, next)
}

// Delete removes a saved layout. The built-in default cannot be deleted.
// Deleting the active layout reverts to the default.
func (s *Store) Delete(ctx context.Context, id string) (Layouts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	if id == domain.DefaultLayoutID {
		return s.state.clone(), domain.ErrDefaultLayout
	}
	next := s.state.clone()
	kept := next.Saved[:0]
	found := false
	for _, c := range next.Saved {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return s.state.clone(), fmt.Errorf("layout %s: %w", id, domain.ErrNotFound)
	}
	next.Saved = kept
	if next.Active.ID == id {
		next.Active = domain.DefaultLayout()
	}
	return s.commit(ctx, next)
}

// ResetToDefault makes the built-in layout active again.
func (s *Store) ResetToDefault(ctx context.Context) (Layouts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	next := s.state.clone()
	next.Active = domain.DefaultLayout()
	return s.commit(ctx, next)
}

func (s *Store) ensureLoaded(ctx context.Context) {
	if !s.loaded {
		s.state = s.read(ctx)
		s.loaded = true
	}
}

// newID derives an id from the current time, moving forward until it does not
// collide with a saved layout.
func (s *Store) newID() string {
	ts := s.now().UnixMilli()
	for {
		id := "layout-" + strconv.FormatInt(ts, 36)
		if _, taken := s.state.Find(id); !taken && id != domain.DefaultLayoutID {
			return id
		}
		ts++
	}
}

// commit persists next. The in-memory state moves to next even when the write
// fails so the session keeps working; the error is returned for display.
func (s *Store) commit(ctx context.Context, next Layouts) (Layouts, error) {
	s.state = next
	data, err := encode(next)
	if err != nil {
		return next.clone(), err
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		log.WithError(err).WithField("key", s.key).Error("failed to persist layouts")
		return next.clone(), domain.Transient("save layouts", err)
	}
	return next.clone(), nil
}

func (s *Store) read(ctx context.Context) Layouts {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		log.WithError(err).WithField("key", s.key).Warn("layout store unavailable; using default layout")
		return defaults()
	}
	if !ok || raw == "" {
		return defaults()
	}
	l, err := decode(raw)
	if err != nil {
		log.WithError(err).WithField("key", s.key).Warn("corrupt layout blob; using default layout")
		return defaults()
	}
	return l
}

func encode(l Layouts) (string, error) {
	return sonic.ConfigStd.MarshalToString(l)
}

// decode parses a blob and repairs it: the built-in default is guaranteed
// to be the first saved entry exactly once, layouts without an id are
// dropped and a missing current layout becomes the default.
func decode(raw string) (Layouts, error) {
	var l Layouts
	if err := sonic.ConfigStd.UnmarshalFromString(raw, &l); err != nil {
		return Layouts{}, fmt.Errorf("%w: %v", domain.ErrCorruptState, err)
	}
	def := domain.DefaultLayout()
	if l.Active.ID == "" {
		log.Warn("layout blob has no current layout; activating the default")
		l.Active = def.Clone()
	}

	saved := []domain.ViewConfiguration{def}
	seen := map[string]struct{}{domain.DefaultLayoutID: {}}
	for _, c := range l.Saved {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		saved = append(saved, c.Sanitize())
	}
	return Layouts{Active: l.Active.Sanitize(), Saved: saved}, nil
}
