// Package chat is the client that the console and the local view drive.
// It owns the conversation log and the presence view, feeds both from the
// session's inbound stream and gates user actions on their preconditions.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/pairchat/chat/history"
	"github.com/gosuda/pairchat/chat/metrics"
	"github.com/gosuda/pairchat/chat/presence"
	"github.com/gosuda/pairchat/chat/protocol"
	"github.com/gosuda/pairchat/chat/room"
	"github.com/gosuda/pairchat/chat/session"
	"github.com/gosuda/pairchat/chat/state"
)

var (
	ErrNoIdentity   = errors.New("chat: not logged in")
	ErrNoRoom       = errors.New("chat: no room selected")
	ErrNoPeer       = errors.New("chat: no peer given")
	ErrEmptyMessage = errors.New("chat: empty message")
)

// Transport is the connection the client talks through. *session.Session
// implements it.
type Transport interface {
	Open(ctx context.Context) error
	Join(user, room string) error
	Send(m protocol.Message) error
	Login(ctx context.Context, creds protocol.Credentials) (protocol.Status, error)
	Register(ctx context.Context, creds protocol.Credentials) error
	OnlineUsers(ctx context.Context) ([]string, error)
	AllUsers(ctx context.Context) ([]string, error)
	History(ctx context.Context, room string) ([]protocol.Message, error)
	OnMessage(h func(protocol.Message))
	OnPresence(h func([]string))
	OnState(h func(session.State))
	Close() error
}

var _ Transport = (*session.Session)(nil)

// Event types streamed to subscribers.
const (
	EventMessage  = "message"
	EventHistory  = "history"
	EventPresence = "presence"
	EventRoom     = "room"
	EventIdentity = "identity"
	EventState    = "state"
)

// Event is one change to the client's views.
type Event struct {
	Type    string            `json:"type"`
	Room    string            `json:"room,omitempty"`
	Message *protocol.Message `json:"message,omitempty"`
	Peers   []presence.Peer   `json:"peers,omitempty"`
	User    string            `json:"user,omitempty"`
	State   string            `json:"state,omitempty"`
}

const subscriberBuffer = 32

type Client struct {
	tr       Transport
	keeper   *state.Keeper
	chats    *history.Store
	presence *presence.Tracker
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	self string
	room string
	peer string
	subs map[chan Event]struct{}

	saveMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	stop   func()
	bg     sync.WaitGroup
	once   sync.Once
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the time source for outgoing message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithPresence replaces the presence tracker, e.g. to fix image assignment.
func WithPresence(t *presence.Tracker) Option {
	return func(c *Client) { c.presence = t }
}

// New wires the client to tr and restores the persisted identity and
// conversation log from keeper.
func New(tr Transport, keeper *state.Keeper, opts ...Option) *Client {
	c := &Client{
		tr:     tr,
		keeper: keeper,
		chats:  history.NewStore(),
		logger: log.Logger,
		now:    time.Now,
		subs:   map[chan Event]struct{}{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.presence == nil {
		c.presence = presence.New("", presence.WithLogger(c.logger))
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.restore()

	tr.OnMessage(c.receive)
	tr.OnPresence(c.presence.Apply)
	tr.OnState(func(st session.State) {
		c.publish(Event{Type: EventState, State: st.String()})
	})

	views, stop := c.presence.Subscribe()
	c.stop = stop
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		for peers := range views {
			metrics.OnlinePeers.Set(float64(len(peers)))
			c.publish(Event{Type: EventPresence, Peers: peers})
		}
	}()
	return c
}

func (c *Client) restore() {
	user, err := c.keeper.CurrentUser()
	if err != nil {
		c.logger.Warn().Err(err).Msg("[chat] restore current user")
	}
	convs, err := c.keeper.Chats()
	if err != nil {
		c.logger.Warn().Err(err).Msg("[chat] restore chats")
	}
	c.chats.Restore(convs)
	c.self = user
	c.presence.SetSelf(user)
	if user != "" {
		c.logger.Info().Str("user", user).Int("rooms", len(convs)).Msg("[chat] restored session")
	}
}

// Start connects the session. With a known identity the online list is
// loaded once; a failed load is logged and does not fail Start.
func (c *Client) Start(ctx context.Context) error {
	if err := c.tr.Open(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if c.Self() != "" {
		_ = c.RefreshOnline(ctx)
	}
	return nil
}

// Login authenticates and makes the confirmed user the local identity.
func (c *Client) Login(ctx context.Context, login, password string) (string, error) {
	st, err := c.tr.Login(ctx, protocol.Credentials{Login: login, Password: password})
	if err != nil {
		return "", err
	}
	c.setSelf(st.User)
	if err := c.keeper.SaveCurrentUser(st.User); err != nil {
		c.logger.Warn().Err(err).Msg("[chat] save current user")
	}
	_ = c.RefreshOnline(ctx)
	return st.User, nil
}

// Register creates the account and logs straight into it.
func (c *Client) Register(ctx context.Context, login, password string) (string, error) {
	if err := c.tr.Register(ctx, protocol.Credentials{Login: login, Password: password}); err != nil {
		return "", err
	}
	c.logger.Info().Str("user", login).Msg("[chat] registered")
	return c.Login(ctx, login, password)
}

// Logout forgets the identity and the token. The conversation log is kept.
func (c *Client) Logout() error {
	if err := c.keeper.Logout(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.mu.Lock()
	c.room, c.peer = "", ""
	c.mu.Unlock()
	c.setSelf("")
	c.presence.Apply(nil)
	return nil
}

func (c *Client) setSelf(user string) {
	c.mu.Lock()
	c.self = user
	c.mu.Unlock()
	c.presence.SetSelf(user)
	c.publish(Event{Type: EventIdentity, User: user})
}

// Select opens the two-party room with peer and makes it active. The
// room's stored history is fetched in the background and merged into
// the log.
func (c *Client) Select(peer string) (string, error) {
	self := c.Self()
	if self == "" {
		return "", ErrNoIdentity
	}
	if peer == "" {
		return "", ErrNoPeer
	}
	id := room.ID(self, peer)
	c.chats.Ensure(id)
	c.mu.Lock()
	c.room, c.peer = id, peer
	c.mu.Unlock()
	c.publish(Event{Type: EventRoom, Room: id, User: peer})

	if err := c.tr.Join(self, id); err != nil {
		c.logger.Warn().Err(err).Str("room", id).Msg("[chat] join")
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.LoadHistory(c.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Str("room", id).Msg("[chat] history fetch")
		}
	}()
	return id, nil
}

// LoadHistory fetches room's stored messages and merges them into the log.
func (c *Client) LoadHistory(ctx context.Context, id string) error {
	msgs, err := c.tr.History(ctx, id)
	if err != nil {
		return err
	}
	before := c.chats.Len(id)
	after := c.chats.Replace(id, msgs)
	metrics.MessagesAppended.WithLabelValues("history").Add(float64(after - before))
	metrics.MessagesDuplicate.WithLabelValues("history").Add(float64(len(msgs) - (after - before)))
	c.save()
	c.publish(Event{Type: EventHistory, Room: id})
	return nil
}

// Send appends text to the active room and publishes it. The message
// stays in the log even when the write fails.
func (c *Client) Send(text string) (protocol.Message, error) {
	c.mu.RLock()
	self, id := c.self, c.room
	c.mu.RUnlock()
	switch {
	case self == "":
		return protocol.Message{}, ErrNoIdentity
	case id == "":
		return protocol.Message{}, ErrNoRoom
	case strings.TrimSpace(text) == "":
		return protocol.Message{}, ErrEmptyMessage
	}
	m := protocol.Message{
		Sender:    self,
		Body:      text,
		Timestamp: protocol.Timestamp(c.now()),
		Room:      id,
	}
	c.append(m, "local")
	return m, c.tr.Send(m)
}

// receive handles a message pushed by the server. The server echoes a
// sender's own messages back, which the log absorbs.
func (c *Client) receive(m protocol.Message) {
	c.append(m, "remote")
}

func (c *Client) append(m protocol.Message, source string) {
	if !c.chats.Append(m.Room, m) {
		metrics.MessagesDuplicate.WithLabelValues(source).Inc()
		return
	}
	metrics.MessagesAppended.WithLabelValues(source).Inc()
	c.save()
	c.publish(Event{Type: EventMessage, Room: m.Room, Message: &m})
}

func (c *Client) save() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if err := c.keeper.SaveChats(c.chats.Snapshot()); err != nil {
		c.logger.Warn().Err(err).Msg("[chat] save chats")
	}
}

// RefreshOnline replaces the presence view with a fresh snapshot. On
// failure the previous view is kept and the error returned.
func (c *Client) RefreshOnline(ctx context.Context) error {
	return c.presence.Load(ctx, c.tr.OnlineUsers)
}

// Directory lists every registered user except the local one.
func (c *Client) Directory(ctx context.Context) ([]string, error) {
	users, err := c.tr.AllUsers(ctx)
	if err != nil {
		return nil, err
	}
	self := c.Self()
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != self {
			out = append(out, u)
		}
	}
	return out, nil
}

// Messages returns the log of id, or of the active room when id is empty.
func (c *Client) Messages(id string) []protocol.Message {
	if id == "" {
		id = c.Room()
	}
	return c.chats.Get(id)
}

// Rooms lists every room with a local log.
func (c *Client) Rooms() []string { return c.chats.Rooms() }

func (c *Client) Online() []presence.Peer { return c.presence.Current() }

// Peer returns the online entry for id, if present.
func (c *Client) Peer(id string) (presence.Peer, bool) { return c.presence.Lookup(id) }

func (c *Client) Self() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Room returns the active room id.
func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// Partner returns the peer of the active room.
func (c *Client) Partner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// Subscribe streams view changes. Slow subscribers lose events rather
// than stall the session. Call cancel to stop.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

func (c *Client) publish(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug().Str("type", ev.Type).Msg("[chat] subscriber behind; event dropped")
		}
	}
}

// Close stops background work and closes the transport.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.tr.Close()
		c.stop()
		c.bg.Wait()
		c.mu.Lock()
		for ch := range c.subs {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	})
	return err
}
