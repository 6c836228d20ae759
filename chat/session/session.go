// Package session owns the single websocket to the chat server. It
// multiplexes outbound intents over the connection and demultiplexes
// inbound frames to one-shot request waiters and ambient handlers.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/pairchat/chat/metrics"
	"github.com/gosuda/pairchat/chat/protocol"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultSendBuffer     = 64
	defaultMinBackoff     = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	readLimit             = 1 << 20
)

// Config describes how to reach the server.
type Config struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	RequestTimeout time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	SendBuffer     int

	// Reconnect enables redialing with exponential backoff after the
	// connection is lost. MaxAttempts of zero retries forever.
	Reconnect   bool
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait / 2
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = defaultMaxBackoff
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	return c
}

// Session is the client side of the chat connection.
type Session struct {
	cfg    Config
	tokens TokenStore
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   State
	changed chan struct{}
	link    *link
	joined  map[string]string // room -> user
	waiters []*waiter
	authErr string

	onMessage  []func(protocol.Message)
	onPresence []func([]string)
	onState    []func(State)

	table  map[protocol.Kind]func(protocol.Inbound)
	closed chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a disconnected session. tokens may be nil.
func New(cfg Config, tokens TokenStore, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg.withDefaults(),
		tokens:  tokens,
		logger:  log.Logger,
		now:     time.Now,
		changed: make(chan struct{}),
		joined:  map[string]string{},
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.table = map[protocol.Kind]func(protocol.Inbound){
		protocol.KindMessage:     s.handleMessage,
		protocol.KindPresence:    s.handlePresence,
		protocol.KindOnlineUsers: s.handlePresence,
		protocol.KindAuth:        s.handleAuth,
		protocol.KindError:       s.handleError,
	}
	return s
}

// OnMessage registers a handler for inbound chat messages.
func (s *Session) OnMessage(h func(protocol.Message)) {
	s.mu.Lock()
	s.onMessage = append(s.onMessage, h)
	s.mu.Unlock()
}

// OnPresence registers a handler for online-list pushes.
func (s *Session) OnPresence(h func([]string)) {
	s.mu.Lock()
	s.onPresence = append(s.onPresence, h)
	s.mu.Unlock()
}

// OnState registers a handler for state transitions.
func (s *Session) OnState(h func(State)) {
	s.mu.Lock()
	s.onState = append(s.onState, h)
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || (s.state == Closed && next != Closed) {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	handlers := append([]func(State){}, s.onState...)
	s.mu.Unlock()

	metrics.SessionState.Set(float64(next))
	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("[session] state")
	for _, h := range handlers {
		h(next)
	}
}

// awaitState blocks until pred accepts the current state.
func (s *Session) awaitState(ctx context.Context, pred func(State) bool) (State, error) {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// WaitReady blocks until the server has acknowledged authentication.
func (s *Session) WaitReady(ctx context.Context) error {
	st, err := s.awaitState(ctx, func(st State) bool { return st == Ready || st == Closed })
	if err != nil {
		return err
	}
	if st == Closed {
		return ErrClosed
	}
	return nil
}

// Open dials the server. When a usable token is stored, an auth intent
// is the first frame written and the session waits in Authenticating for
// the server's acknowledgment. Open returns once the socket is up.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	st, live := s.state, s.link != nil
	closed := s.isClosed()
	s.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case (st.connected() && live) || st == Connecting || st == Reconnecting:
		return nil
	}
	s.setState(Connecting)
	if err := s.connect(ctx); err != nil {
		s.setState(Disconnected)
		return err
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	l := newLink(conn, s.cfg.SendBuffer)

	next := Open
	if tok := s.usableToken(); tok != "" {
		frame, err := protocol.Encode(protocol.EventAuth, protocol.TokenRequest{Token: tok})
		if err != nil {
			l.close(s.cfg.WriteWait)
			return err
		}
		// The queue is fresh and buffered: auth is guaranteed to be the
		// first frame on this connection.
		l.out <- frame
		next = Authenticating
	}

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		l.close(s.cfg.WriteWait)
		return ErrClosed
	}
	s.link = l
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Info().Str("conn", l.id).Str("url", s.cfg.URL).Msg("[session] connected")
	s.setState(Open)
	if next == Authenticating {
		s.setState(Authenticating)
	}
	go s.readLoop(l)
	go s.writeLoop(l)
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// usableToken returns the stored token unless it is missing or expired.
// An expired token is cleared.
func (s *Session) usableToken() string {
	if s.tokens == nil {
		return ""
	}
	tok, err := s.tokens.Token()
	if err != nil {
		s.logger.Warn().Err(err).Msg("[session] read stored token")
		return ""
	}
	if tok == "" {
		return ""
	}
	if tokenExpired(tok, s.now()) {
		s.logger.Info().Msg("[session] stored token expired; clearing")
		if err := s.tokens.ClearToken(); err != nil {
			s.logger.Warn().Err(err).Msg("[session] clear expired token")
		}
		return ""
	}
	return tok
}

func (s *Session) currentToken() string {
	if s.tokens == nil {
		return ""
	}
	tok, _ := s.tokens.Token()
	return tok
}

// Join subscribes user to room. The intent is fire-and-forget; the
// server ignores it until the session is authenticated.
func (s *Session) Join(user, room string) error {
	s.mu.Lock()
	s.joined[room] = user
	s.mu.Unlock()
	return s.emit(protocol.EventJoin, protocol.JoinRequest{User: user, Room: room, Token: s.currentToken()})
}

// Send publishes m to its room. Fire-and-forget.
func (s *Session) Send(m protocol.Message) error {
	return s.emit(protocol.EventMessage, protocol.NewMessageRequest(m, s.currentToken()))
}

func (s *Session) emit(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	if err := s.enqueue(frame); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("[session] intent not sent")
		return err
	}
	return nil
}

// enqueue hands a frame to the writer of the current connection.
func (s *Session) enqueue(frame []byte) error {
	s.mu.Lock()
	l, st := s.link, s.state
	s.mu.Unlock()
	if st == Closed {
		return ErrClosed
	}
	if l == nil {
		if st == Reconnecting {
			return ErrDisconnected
		}
		return ErrNotConnected
	}
	select {
	case l.out <- frame:
		return nil
	case <-l.done:
		return ErrDisconnected
	case <-s.closed:
		return ErrClosed
	}
}

// Close tears the session down and rejects pending requests. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return nil
	}
	l := s.link
	s.link = nil
	close(s.closed)
	s.mu.Unlock()

	s.setState(Closed)
	s.failWaiters(ErrClosed)
	if l != nil {
		l.close(s.cfg.WriteWait)
	}
	s.wg.Wait()
	s.logger.Info().Msg("[session] closed")
	return nil
}

// link is one websocket connection and its outbound queue.
type link struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newLink(conn *websocket.Conn, buffer int) *link {
	return &link{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (l *link) close(wait time.Duration) {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wait))
		_ = l.conn.Close()
	})
}

func (s *Session) readLoop(l *link) {
	defer s.wg.Done()
	l.conn.SetReadLimit(readLimit)
	_ = l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		_, payload, err := l.conn.ReadMessage()
		if err != nil {
			s.lost(l, err)
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.dispatch(payload)
	}
}

func (s *Session) writeLoop(l *link) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.lost(l, err)
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.lost(l, err)
				return
			}
		case <-l.done:
			return
		}
	}
}

// lost handles the end of a connection. Only the first report for the
// current link has any effect.
func (s *Session) lost(l *link, cause error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.mu.Unlock()

	l.close(s.cfg.WriteWait)
	s.failWaiters(fmt.Errorf("%w: %v", ErrDisconnected, cause))

	if s.isClosed() {
		return
	}
	s.logger.Warn().Err(cause).Str("conn", l.id).Msg("[session] connection lost")
	if !s.cfg.Reconnect {
		s.setState(Disconnected)
		return
	}
	s.setState(Reconnecting)
	s.wg.Add(1)
	go s.reconnect()
}
