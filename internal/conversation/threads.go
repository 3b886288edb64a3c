// ABOUTME: In-memory conversation context store keyed by channel.
// ABOUTME: Maps reply chains to opaque continuation tokens returned by the model backend.

package conversation

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrUnknownReplyTarget indicates a reply to a message this relay did not send
// in the channel. Such messages must not start a fresh conversation.
var ErrUnknownReplyTarget = errors.New("reply target is not a tracked exchange")

// Token is opaque continuation state from the model backend. It is stored
// and replayed byte for byte.
type Token []byte

// Thread is the per-channel record of reply chains and the latest token.
type Thread struct {
	ChannelID   string
	TurnCount   int
	LastContext Token
	Replies     map[string]Token // keyed by message ID of a reply this relay sent
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t *Thread) clone() *Thread {
	c := *t
	c.LastContext = slices.Clone(t.LastContext)
	c.Replies = make(map[string]Token, len(t.Replies))
	for id, tok := range t.Replies {
		c.Replies[id] = slices.Clone(tok)
	}
	return &c
}

// Store holds every live thread. Entries are kept until Reset; there is no
// eviction.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*Thread
	now     func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		threads: make(map[string]*Thread),
		now:     time.Now,
	}
}

// GetThread returns a copy of the channel's thread.
func (s *Store) GetThread(channelID string) (*Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[channelID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// CreateThread installs an empty thread for the channel. It returns false and
// leaves the existing thread untouched if one is already present.
func (s *Store) CreateThread(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[channelID]; ok {
		return false
	}
	s.threads[channelID] = s.newThreadLocked(channelID)
	return true
}

func (s *Store) newThreadLocked(channelID string) *Thread {
	now := s.now()
	return &Thread{
		ChannelID: channelID,
		Replies:   make(map[string]Token),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ResolveContext picks the token a new message should continue from.
//
// With a reply target, the token recorded for that message is returned, or
// ErrUnknownReplyTarget if the message is not one of ours. Without a reply
// target, the channel's latest token is returned, which is nil for a fresh
// channel.
func (s *Store) ResolveContext(channelID, replyTo string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[channelID]
	if replyTo != "" {
		if !ok {
			return nil, ErrUnknownReplyTarget
		}
		tok, found := t.Replies[replyTo]
		if !found {
			return nil, ErrUnknownReplyTarget
		}
		return slices.Clone(tok), nil
	}

	if !ok {
		return nil, nil
	}
	return slices.Clone(t.LastContext), nil
}

// RecordExchange associates every new message ID with token, makes token the
// channel's latest context and counts the turn.
func (s *Store) RecordExchange(channelID string, messageIDs []string, token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[channelID]
	if !ok {
		t = s.newThreadLocked(channelID)
		s.threads[channelID] = t
	}

	for _, id := range messageIDs {
		t.Replies[id] = slices.Clone(token)
	}
	t.LastContext = slices.Clone(token)
	t.TurnCount++
	t.UpdatedAt = s.now()
}

// Reset deletes the channel's thread and returns how many turns it had.
func (s *Store) Reset(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[channelID]
	if !ok {
		return 0
	}
	delete(s.threads, channelID)
	return t.TurnCount
}

// Len returns the number of live threads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// Channels returns the IDs of every channel with a live thread, sorted.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.threads))
}
