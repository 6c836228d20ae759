// Package history keeps the per-room conversation log. A room's log is
// insertion-ordered and never holds two messages with the same sender,
// body and timestamp.
package history

import (
	"sort"
	"sync"

	"github.com/gosuda/pairchat/chat/protocol"
)

// Conversation is the persisted form of one room's log.
type Conversation struct {
	RoomID string             `json:"roomId"`
	Chats  []protocol.Message `json:"chats"`
}

// Store is a concurrency-safe conversation log keyed by room id.
type Store struct {
	mu    sync.RWMutex
	rooms map[string][]protocol.Message
}

func NewStore() *Store {
	return &Store{rooms: map[string][]protocol.Message{}}
}

// Append inserts m at the tail of room's log unless an equal message is
// already there. It reports whether m was inserted.
func (s *Store) Append(room string, m protocol.Message) bool {
	m.Room = room
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[room]
	if indexOf(msgs, m.Key()) >= 0 {
		return false
	}
	s.rooms[room] = append(msgs, m)
	return true
}

// Get returns a copy of room's log. Unknown rooms yield an empty slice.
func (s *Store) Get(room string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[room]
	out := make([]protocol.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Ensure creates an empty log for room if none exists.
func (s *Store) Ensure(room string) {
	s.mu.Lock()
	if _, ok := s.rooms[room]; !ok {
		s.rooms[room] = []protocol.Message{}
	}
	s.mu.Unlock()
}

// Replace installs a fetched snapshot as room's log. Entries already in
// the log that the snapshot lacks are kept after it in their original
// order, so messages that arrived before the fetch resolved survive.
// It returns the resulting length.
func (s *Store) Replace(room string, snapshot []protocol.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]protocol.Message, 0, len(snapshot)+len(s.rooms[room]))
	for _, m := range snapshot {
		m.Room = room
		if indexOf(merged, m.Key()) < 0 {
			merged = append(merged, m)
		}
	}
	for _, m := range s.rooms[room] {
		if indexOf(merged, m.Key()) < 0 {
			merged = append(merged, m)
		}
	}
	s.rooms[room] = merged
	return len(merged)
}

// Len returns the number of messages in room.
func (s *Store) Len(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Rooms lists the known room ids in sorted order.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Snapshot exports every room for persistence. The room id is carried
// by the conversation, not by each message.
func (s *Store) Snapshot() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.rooms))
	for r, msgs := range s.rooms {
		chats := make([]protocol.Message, len(msgs))
		for i, m := range msgs {
			m.Room = ""
			chats[i] = m
		}
		out = append(out, Conversation{RoomID: r, Chats: chats})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Restore merges persisted conversations into the store using the same
// rule as Replace.
func (s *Store) Restore(convs []Conversation) {
	for _, c := range convs {
		if c.RoomID == "" {
			continue
		}
		s.Replace(c.RoomID, c.Chats)
	}
}

func indexOf(msgs []protocol.Message, k protocol.Key) int {
	for i := range msgs {
		if msgs[i].Key() == k {
			return i
		}
	}
	return -1
}
