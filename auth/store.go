package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound indicates no ticket exists for the given id.
var ErrNotFound = errors.New("auth ticket not found")

// TicketStore is the contract for a durable resume-ticket store.
// Implementations must be safe for concurrent use.
type TicketStore interface {
	// Put inserts or updates a ticket, applying the store's TTL policy to
	// unset expiry fields.
	Put(ctx context.Context, t *Ticket) error

	// Get retrieves a ticket by id, returning ErrNotFound when missing or
	// expired.
	Get(ctx context.Context, id string) (*Ticket, error)

	// Touch records use and extends the sliding idle expiry, clamped to the
	// absolute cap.
	Touch(ctx context.Context, id string, at time.Time) error

	// Rotate replaces an old ticket with a fresh one in the same session.
	// The old id stays valid for a short grace window so an in-flight resume
	// racing the rotation does not lose the session.
	Rotate(ctx context.Context, oldID string, fresh *Ticket) (string, error)

	// Revoke deletes one ticket immediately.
	Revoke(ctx context.Context, id string) error

	// RevokeSession deletes every ticket bound to the session.
	RevokeSession(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-memory TicketStore for development and tests.
type MemoryStore struct {
	mux         sync.RWMutex
	byID        map[string]*Ticket
	bySession   map[string]map[string]struct{}
	idleTTL     time.Duration
	maxTTL      time.Duration
	rotateGrace time.Duration
}

// NewMemoryStore creates a MemoryStore with the given TTL policy.
func NewMemoryStore(idleTTL, maxTTL, rotateGrace time.Duration) *MemoryStore {
	return &MemoryStore{
		byID:        map[string]*Ticket{},
		bySession:   map[string]map[string]struct{}{},
		idleTTL:     idleTTL,
		maxTTL:      maxTTL,
		rotateGrace: rotateGrace,
	}
}

func (s *MemoryStore) Put(_ context.Context, t *Ticket) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	t.stampDefaults(time.Now(), s.idleTTL, s.maxTTL)
	s.byID[t.ID] = cloneTicket(t)
	s.index(t)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Ticket, error) {
	s.mux.RLock()
	t, ok := s.byID[id]
	s.mux.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if t.expired(time.Now()) {
		_ = s.Revoke(context.Background(), id)
		return nil, ErrNotFound
	}
	return cloneTicket(t), nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	t.LastUsedAt = at
	if s.idleTTL > 0 {
		exp := at.Add(s.idleTTL)
		if !t.MaxExpiresAt.IsZero() && exp.After(t.MaxExpiresAt) {
			exp = t.MaxExpiresAt
		}
		t.ExpiresAt = exp
	}
	return nil
}

func (s *MemoryStore) Rotate(_ context.Context, oldID string, fresh *Ticket) (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	old, ok := s.byID[oldID]
	if !ok {
		return "", ErrNotFound
	}
	now := time.Now()
	next := *fresh
	if next.ID == "" {
		next.ID = NewTicket("", "").ID
	}
	next.SessionID = old.SessionID
	if next.Subject == "" {
		next.Subject = old.Subject
	}
	next.stampDefaults(now, s.idleTTL, s.maxTTL)
	s.byID[next.ID] = &next
	s.index(&next)
	if s.rotateGrace > 0 {
		old.ExpiresAt = now.Add(s.rotateGrace)
	} else {
		s.remove(old)
	}
	return next.ID, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.remove(t)
	return nil
}

func (s *MemoryStore) RevokeSession(_ context.Context, sessionID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	ids := s.bySession[sessionID]
	for id := range ids {
		delete(s.byID, id)
	}
	delete(s.bySession, sessionID)
	return nil
}

// index and remove assume the mutex is held.
func (s *MemoryStore) index(t *Ticket) {
	ids := s.bySession[t.SessionID]
	if ids == nil {
		ids = map[string]struct{}{}
		s.bySession[t.SessionID] = ids
	}
	ids[t.ID] = struct{}{}
}

func (s *MemoryStore) remove(t *Ticket) {
	delete(s.byID, t.ID)
	if ids := s.bySession[t.SessionID]; ids != nil {
		delete(ids, t.ID)
		if len(ids) == 0 {
			delete(s.bySession, t.SessionID)
		}
	}
}

func cloneTicket(t *Ticket) *Ticket {
	if t == nil {
		return nil
	}
	dup := *t
	if t.Scopes != nil {
		dup.Scopes = append([]string(nil), t.Scopes...)
	}
	if t.Meta != nil {
		dup.Meta = make(map[string]string, len(t.Meta))
		for k, v := range t.Meta {
			dup.Meta[k] = v
		}
	}
	return &dup
}
