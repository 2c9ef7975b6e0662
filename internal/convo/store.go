package convo

import (
	"context"
	"sync"
	"time"

	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// StoreConfig holds conversation store settings.
type StoreConfig struct {
	TTL           time.Duration // Idle eviction threshold
	SweepInterval time.Duration // How often the TTL sweep runs
	SystemPrompt  string        // Preamble for new conversations
}

// Store is the process-wide conversation map. It owns the lifecycle:
// created on first turn, evicted on explicit clear or TTL expiry.
// Entries for different conversations are independent; a keyed mutex
// serializes turns for the same conversation.
type Store struct {
	config  StoreConfig
	onEvict func(conversationID string)

	mu            sync.RWMutex
	conversations map[string]*Conversation

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// NewStore creates a conversation store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL == 0 {
		cfg.TTL = 2 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Store{
		config:        cfg,
		conversations: make(map[string]*Conversation),
		locks:         make(map[string]*sync.Mutex),
	}
}

// SetOnEvict registers a hook called for every evicted conversation id,
// used to release tool-server sessions alongside the local state.
func (s *Store) SetOnEvict(fn func(conversationID string)) {
	s.onEvict = fn
}

// Get returns the conversation for id, creating it on first use.
func (s *Store) Get(id string, channel types.Channel) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[id]; ok {
		return c
	}

	c := NewConversation(id, channel, s.config.SystemPrompt)
	s.conversations[id] = c
	L_debug("convo: created", "conversation", id, "channel", channel)
	return c
}

// GetIfExists returns a conversation if present, nil otherwise.
func (s *Store) GetIfExists(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[id]
}

// Evict removes a conversation explicitly. Returns true if it existed.
func (s *Store) Evict(id string) bool {
	s.mu.Lock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()

	if ok {
		s.dropLock(id)
		if s.onEvict != nil {
			s.onEvict(id)
		}
		L_debug("convo: evicted", "conversation", id)
	}
	return ok
}

// Count returns the number of live conversations.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Lock acquires the per-conversation mutex. Two turns for the same
// conversation must not interleave: each turn mutates the history
// non-atomically (append, network call, append again).
func (s *Store) Lock(id string) {
	s.lockFor(id).Lock()
}

// Unlock releases the per-conversation mutex.
func (s *Store) Unlock(id string) {
	s.lockFor(id).Unlock()
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *Store) dropLock(id string) {
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
}

// Start launches the TTL sweep. Stop with Stop or by cancelling ctx.
func (s *Store) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()

	L_info("convo: store started", "ttl", s.config.TTL, "sweepInterval", s.config.SweepInterval)
}

// Stop halts the TTL sweep.
func (s *Store) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

// sweep evicts conversations idle past the TTL.
func (s *Store) sweep() {
	s.mu.RLock()
	var expired []string
	for id, c := range s.conversations {
		if c.Idle() > s.config.TTL {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.Evict(id)
	}

	if len(expired) > 0 {
		L_info("convo: TTL sweep evicted conversations", "count", len(expired))
	}
}
