// Package presence tracks which peers are online. The view is always a
// full replacement of the latest server list, never an incremental diff,
// and never contains the local user.
package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ImageCount is the size of the display image set.
const ImageCount = 11

// Peer is a remote participant known to the current session.
type Peer struct {
	ID    string `json:"login"`
	Image string `json:"image"`
}

// SnapshotFunc fetches the current online list once.
type SnapshotFunc func(ctx context.Context) ([]string, error)

// Avatar picks the display image for id from the fixed image set.
func Avatar(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("assets/user/%d.png", h.Sum32()%ImageCount+1)
}

// Tracker holds the materialized presence view.
type Tracker struct {
	mu     sync.RWMutex
	self   string
	peers  []Peer
	avatar func(string) string
	subs   map[chan []Peer]struct{}
	logger zerolog.Logger
}

type Option func(*Tracker)

// WithAvatar replaces the image assignment function.
func WithAvatar(fn func(string) string) Option {
	return func(t *Tracker) { t.avatar = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func New(self string, opts ...Option) *Tracker {
	t := &Tracker{
		self:   self,
		peers:  []Peer{},
		avatar: Avatar,
		subs:   map[chan []Peer]struct{}{},
		logger: log.Logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetSelf changes the local identity and drops it from the view.
func (t *Tracker) SetSelf(id string) {
	t.mu.Lock()
	t.self = id
	kept := t.peers[:0:0]
	for _, p := range t.peers {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	t.peers = kept
	t.publishLocked()
	t.mu.Unlock()
}

func (t *Tracker) Self() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// Load runs a one-shot snapshot fetch and replaces the view with its
// result. On failure the error is logged and the last view is kept.
func (t *Tracker) Load(ctx context.Context, fetch SnapshotFunc) error {
	ids, err := fetch(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("[presence] snapshot failed; keeping last view")
		return err
	}
	t.Apply(ids)
	return nil
}

// Apply replaces the view with ids. Known peers keep their image; new
// ones get one assigned. The local identity is filtered out.
func (t *Tracker) Apply(ids []string) {
	t.mu.Lock()
	known := make(map[string]Peer, len(t.peers))
	for _, p := range t.peers {
		known[p.ID] = p
	}
	next := make([]Peer, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" || id == t.self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, ok := known[id]
		if !ok {
			p = Peer{ID: id, Image: t.avatar(id)}
		}
		next = append(next, p)
	}
	t.peers = next
	t.publishLocked()
	t.mu.Unlock()
}

// Current returns the materialized view in server order.
func (t *Tracker) Current() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.copyLocked()
}

// Lookup finds an online peer by identity.
func (t *Tracker) Lookup(id string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// Subscribe streams every new view. The current view is delivered first.
// A slow reader only ever sees the latest view. Call cancel to stop.
func (t *Tracker) Subscribe() (<-chan []Peer, func()) {
	ch := make(chan []Peer, 1)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	ch <- t.copyLocked()
	t.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			close(ch)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) copyLocked() []Peer {
	out := make([]Peer, len(t.peers))
	copy(out, t.peers)
	return out
}

// publishLocked hands the view to every subscriber, replacing any view
// still pending in its buffer. Sends never block: only writers holding
// t.mu fill the buffers.
func (t *Tracker) publishLocked() {
	for ch := range t.subs {
		view := t.copyLocked()
		select {
		case <-ch:
		default:
		}
		ch <- view
	}
}
