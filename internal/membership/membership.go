package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrLookupTimeout reports that the membership source exceeded its
// deadline.
var ErrLookupTimeout = errors.New("membership lookup timeout")

// Source provides the raw membership lookup.
type Source interface {
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
}

// Config holds membership service settings.
type Config struct {
	LookupTimeout time.Duration
	CacheTTL      time.Duration
	Clock         func() time.Time // injectable for tests; nil = time.Now
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LookupTimeout: 2 * time.Second,
		CacheTTL:      30 * time.Second,
	}
}

func (c *Config) norm() {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type cacheEntry struct {
	members   []string
	expiresAt time.Time
}

// Service is a caching, deadline-bounded membership reader.
type Service struct {
	cfg    Config
	source Source
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// Stats
	hits   int64
	misses int64
}

// ServiceStats contains cache statistics.
type ServiceStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// NewService creates a membership service over the given source.
func NewService(cfg Config, source Source, logger *slog.Logger) *Service {
	cfg.norm()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		source: source,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// MembersOf returns the member user ids of a conversation, serving
// from cache inside the TTL.
func (s *Service) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	now := s.cfg.Clock()

	s.mu.RLock()
	entry, ok := s.cache[conversationID]
	s.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		s.mu.Lock()
		s.hits++
		s.mu.Unlock()
		return entry.members, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	members, err := s.source.MembersOf(lookupCtx, conversationID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLookupTimeout, conversationID)
		}
		return nil, fmt.Errorf("members of %s: %w", conversationID, err)
	}

	s.mu.Lock()
	s.misses++
	s.cache[conversationID] = cacheEntry{
		members:   members,
		expiresAt: now.Add(s.cfg.CacheTTL),
	}
	s.mu.Unlock()

	return members, nil
}

// Invalidate drops a conversation from the cache.
func (s *Service) Invalidate(conversationID string) {
	s.mu.Lock()
	delete(s.cache, conversationID)
	s.mu.Unlock()
}

// Stats returns cache statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServiceStats{
		Entries: len(s.cache),
		Hits:    s.hits,
		Misses:  s.misses,
	}
}
