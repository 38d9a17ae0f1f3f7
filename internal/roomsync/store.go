package roomsync

import (
	"fmt"
	"sort"
	"sync"

	"chat-sync/internal/models"
)

type outcome int

const (
	duplicate outcome = iota
	inserted
	adoptedID
)

type entry struct {
	msg models.Message
	key string
	seq uint64
}

// Store is the deduplicated, ordered message set of one room.
// Merge and AppendLocal are serialized by mu and never block on I/O.
type Store struct {
	mu         sync.Mutex
	roomID     string
	byKey      map[string]*entry
	byFallback map[string]*entry
	ordered    []*entry
	seq        uint64
}

func NewStore(roomID string) *Store {
	return &Store{
		roomID:     roomID,
		byKey:      make(map[string]*entry),
		byFallback: make(map[string]*entry),
	}
}

func (s *Store) RoomID() string {
	return s.roomID
}

// Merge inserts every message not already present and returns how many were
// inserted. A batch with one malformed message is rejected as a whole.
func (s *Store) Merge(incoming ...models.Message) (int, error) {
	applied, _, err := s.merge(incoming)
	return applied, err
}

// merge also reports how many stored entries adopted a server id, which
// changes the view without inserting anything.
func (s *Store) merge(incoming []models.Message) (applied, adopted int, err error) {
	for _, m := range incoming {
		if err := s.check(m); err != nil {
			return 0, 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range incoming {
		switch s.insertLocked(m) {
		case inserted:
			applied++
		case adoptedID:
			adopted++
		}
	}
	return applied, adopted, nil
}

// AppendLocal inserts a locally authored message before it is transmitted and
// returns its identity key so an echo of it can be recognized.
func (s *Store) AppendLocal(m models.Message) (string, error) {
	if err := s.check(m); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertLocked(m)
	return m.IdentityKey(), nil
}

// View returns a copy of the messages ordered by (timestamp, arrival sequence).
func (s *Store) View() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := make([]models.Message, len(s.ordered))
	for i, e := range s.ordered {
		view[i] = e.msg
	}
	return view
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordered)
}

// Contains reports whether a message with the given identity key is stored.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

func (s *Store) check(m models.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.RoomID != s.roomID {
		return &models.ValidationError{
			Field:  "RoomID",
			Reason: fmt.Sprintf("%q does not belong to room %q", m.RoomID, s.roomID),
		}
	}
	return nil
}

func (s *Store) insertLocked(m models.Message) outcome {
	key := m.IdentityKey()
	if _, ok := s.byKey[key]; ok {
		return duplicate
	}

	fallback := m.FallbackKey()
	if existing, ok := s.byFallback[fallback]; ok {
		// Only two server-identified messages can share content and still differ.
		if existing.msg.ServerID == "" || m.ServerID == "" {
			if existing.msg.ServerID == "" && m.ServerID != "" {
				s.adoptServerIDLocked(existing, m.ServerID)
				return adoptedID
			}
			return duplicate
		}
	}

	s.seq++
	e := &entry{msg: m, key: key, seq: s.seq}
	s.byKey[key] = e
	if _, taken := s.byFallback[fallback]; !taken {
		s.byFallback[fallback] = e
	}

	// The new entry has the highest sequence, so it goes after every entry
	// whose timestamp is not later than its own.
	i := sort.Search(len(s.ordered), func(i int) bool {
		return m.Before(s.ordered[i].msg)
	})
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = e
	return inserted
}

// adoptServerIDLocked re-keys an optimistic entry once the server echoes it back.
func (s *Store) adoptServerIDLocked(e *entry, serverID string) {
	delete(s.byKey, e.key)
	e.msg.ServerID = serverID
	e.key = serverID
	s.byKey[serverID] = e
}
