package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

const (
	defaultMaxMessages = 20
	defaultTTL         = 24 * time.Hour
)

// Store keeps the most recent messages of each session. Sessions expire
// after the TTL passes without an Append.
type Store interface {
	// Recent returns up to n of the latest messages, oldest first. n <= 0
	// returns everything kept.
	Recent(ctx context.Context, sessionID string, n int) ([]Message, error)
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	Clear(ctx context.Context, sessionID string) error
}

// NewStore builds the store named by cfg.Store. rc is required for redis.
func NewStore(cfg config.SessionConfig, rc *redis.Client) (Store, error) {
	capacity, ttl := limits(cfg)
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(capacity, ttl), nil
	case "redis":
		if rc == nil {
			return nil, errors.New("session store redis needs a redis client")
		}
		return NewRedisStore(rc, "ragctx:session:", capacity, ttl), nil
	}
	return nil, fmt.Errorf("unknown session store %q", cfg.Store)
}

func limits(cfg config.SessionConfig) (int, time.Duration) {
	n := cfg.MaxMessages
	if n <= 0 {
		n = defaultMaxMessages
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return n, ttl
}

func tail(msgs []Message, n int) []Message {
	if n > 0 && n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

type session struct {
	msgs    []Message
	touched time.Time
}

// MemoryStore is an in-process Store for single instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	max      int
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(maxMessages int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session),
		max:      maxMessages,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStore) Recent(_ context.Context, sessionID string, n int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.live(sessionID)
	if sess == nil {
		return []Message{}, nil
	}
	return tail(sess.msgs, n), nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.live(sessionID)
	if sess == nil {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	sess.msgs = append(sess.msgs, msgs...)
	if len(sess.msgs) > s.max {
		sess.msgs = append([]Message(nil), sess.msgs[len(sess.msgs)-s.max:]...)
	}
	sess.touched = s.now()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Sweep drops expired sessions and reports how many went.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.sessions {
		if s.live(id) == nil {
			n++
		}
	}
	return n
}

// live returns the session or nil, deleting it when expired. Caller holds mu.
func (s *MemoryStore) live(id string) *session {
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.now().Sub(sess.touched) > s.ttl {
		delete(s.sessions, id)
		return nil
	}
	return sess
}
