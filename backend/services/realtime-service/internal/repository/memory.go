package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It backs tests and the
// storage.driver=memory mode.
type MemoryStore struct {
	mu        sync.RWMutex
	companies map[string]Company
	users     map[string]User
	chats     map[string]*Chat
	pairs     map[string]string    // company/pair -> chat id
	messages  map[string][]Message // chat id -> messages in seq order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies: make(map[string]Company),
		users:     make(map[string]User),
		chats:     make(map[string]*Chat),
		pairs:     make(map[string]string),
		messages:  make(map[string][]Message),
	}
}

func pairIndex(companyID, pairKey string) string { return companyID + "/" + pairKey }

func (s *MemoryStore) UpsertCompany(_ context.Context, c *Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetCompany(_ context.Context, id string) (*Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = NormalizeEmail(u.Email)
	for id, other := range s.users {
		if id != u.ID && other.Email == u.Email {
			return fmt.Errorf("email %s already used by %s", u.Email, id)
		}
	}
	if prev, ok := s.users[u.ID]; ok && prev.LastSeen.After(u.LastSeen) {
		u.LastSeen = prev.LastSeen
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = NormalizeEmail(email)
	for _, u := range s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
}

func (s *MemoryStore) ListUsersByCompany(_ context.Context, companyID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []User{}
	for _, u := range s.users {
		if u.CompanyID == companyID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) TouchLastSeen(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if at.After(u.LastSeen) {
		u.LastSeen = at
		s.users[userID] = u
	}
	return nil
}

func (s *MemoryStore) InsertChatIfAbsent(_ context.Context, c *Chat) (*Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairIndex(c.CompanyID, c.PairKey)
	if id, ok := s.pairs[key]; ok {
		return s.chats[id].clone(), false, nil
	}
	s.chats[c.ID] = c.clone()
	s.pairs[key] = c.ID
	return c.clone(), true, nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	return c.clone(), nil
}

func (s *MemoryStore) ListChatsForUser(_ context.Context, userID string, limit int) ([]Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Chat{}
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, *c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[m.ChatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", m.ChatID, ErrNotFound)
	}
	c.LastSeq++
	if m.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = m.Timestamp
	}
	stored := *m
	stored.Seq = c.LastSeq
	s.messages[m.ChatID] = append(s.messages[m.ChatID], stored)
	return &stored, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message{}, s.messages[chatID]...), nil
}

func (s *MemoryStore) LastMessage(_ context.Context, chatID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if len(msgs) == 0 {
		return nil, fmt.Errorf("last message of %s: %w", chatID, ErrNotFound)
	}
	m := msgs[len(msgs)-1]
	return &m, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, chatIDs []string, readerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range chatIDs {
		for _, m := range s.messages[id] {
			if m.SenderID != readerID && !m.Read && !m.Deleted {
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, chatID, readerID string, upTo *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return 0, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if p, ok := c.Participant(readerID); ok && p.LastReadSeq < upTo.Seq {
		p.LastReadSeq = upTo.Seq
		p.LastReadMessageID = upTo.ID
	}
	var flipped int64
	msgs := s.messages[chatID]
	for i := range msgs {
		if msgs[i].Seq <= upTo.Seq && msgs[i].SenderID != readerID && !msgs[i].Read {
			msgs[i].Read = true
			flipped++
		}
	}
	return flipped, nil
}

// WithTransaction holds the store lock for the whole of fn and restores the
// previous state when fn fails.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, memoryTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	users    map[string]User
	chats    map[string]*Chat
	messages map[string][]Message
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		users:    make(map[string]User, len(s.users)),
		chats:    make(map[string]*Chat, len(s.chats)),
		messages: make(map[string][]Message, len(s.messages)),
	}
	for k, v := range s.users {
		snap.users[k] = v
	}
	for k, v := range s.chats {
		snap.chats[k] = v.clone()
	}
	for k, v := range s.messages {
		snap.messages[k] = append([]Message(nil), v...)
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.users = snap.users
	s.chats = snap.chats
	s.messages = snap.messages
}

// memoryTx runs with MemoryStore.mu already held.
type memoryTx struct{ s *MemoryStore }

func (t memoryTx) TombstoneMessagesBy(_ context.Context, userID string) (int64, error) {
	var n int64
	for _, msgs := range t.s.messages {
		for i := range msgs {
			if msgs[i].SenderID == userID && !msgs[i].Deleted {
				msgs[i].Content = ""
				msgs[i].Deleted = true
				msgs[i].Read = true
				n++
			}
		}
	}
	return n, nil
}

func (t memoryTx) RemoveParticipant(_ context.Context, userID string) (int64, error) {
	var n int64
	for _, c := range t.s.chats {
		kept := c.Participants[:0]
		for _, p := range c.Participants {
			if p.UserID != userID {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(c.Participants) {
			continue
		}
		c.Participants = kept
		ids := c.ParticipantIDs[:0]
		for _, id := range c.ParticipantIDs {
			if id != userID {
				ids = append(ids, id)
			}
		}
		c.ParticipantIDs = ids
		n++
	}
	return n, nil
}

func (t memoryTx) DeleteUser(_ context.Context, userID string) error {
	if _, ok := t.s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	delete(t.s.users, userID)
	return nil
}
