package session

import (
	"context"
	"errors"
	"time"

	"github.com/gosuda/pairchat/chat/metrics"
	"github.com/gosuda/pairchat/chat/protocol"
)

// request writes one intent and waits for the first reply accepted by
// match. The waiter is registered before the intent is queued so a fast
// reply cannot slip past it.
func (s *Session) request(ctx context.Context, event string, data any, match func(protocol.Inbound) bool) (in protocol.Inbound, err error) {
	start := time.Now()
	defer func() {
		metrics.Requests.WithLabelValues(event, outcome(err)).Inc()
		metrics.RequestDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
	}()

	frame, err := protocol.Encode(event, data)
	if err != nil {
		return protocol.Inbound{}, err
	}
	w := &waiter{match: match, ch: make(chan result, 1)}
	s.addWaiter(w)
	if err := s.enqueue(frame); err != nil {
		s.removeWaiter(w)
		return protocol.Inbound{}, err
	}

	var timeout <-chan time.Time
	if s.cfg.RequestTimeout > 0 {
		t := time.NewTimer(s.cfg.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-w.ch:
		return r.in, r.err
	case <-ctx.Done():
		s.removeWaiter(w)
		return protocol.Inbound{}, ctx.Err()
	case <-timeout:
		s.removeWaiter(w)
		return protocol.Inbound{}, ErrTimeout
	}
}

func kindIs(kinds ...protocol.Kind) func(protocol.Inbound) bool {
	return func(in protocol.Inbound) bool {
		for _, k := range kinds {
			if in.Kind == k {
				return true
			}
		}
		return false
	}
}

func rejected(event string, in protocol.Inbound) error {
	if in.Kind == protocol.KindError || !in.Status.OK {
		return &RejectedError{Event: event, Message: in.Status.Message}
	}
	return nil
}

// Login exchanges credentials for a token. On success the token is
// stored and the session becomes Ready. The returned status carries the
// identity the server confirmed.
func (s *Session) Login(ctx context.Context, creds protocol.Credentials) (protocol.Status, error) {
	in, err := s.request(ctx, protocol.EventLogin, creds, kindIs(protocol.KindAuth, protocol.KindError))
	if err != nil {
		return protocol.Status{}, err
	}
	if err := rejected(protocol.EventLogin, in); err != nil {
		return protocol.Status{}, err
	}
	st := in.Status
	if st.User == "" {
		st.User = tokenSubject(st.Token)
	}
	if st.User == "" {
		st.User = creds.Login
	}
	if st.Token != "" && s.tokens != nil {
		if err := s.tokens.SaveToken(st.Token); err != nil {
			return st, err
		}
	}
	s.setState(Ready)
	s.logger.Info().Str("user", st.User).Msg("[session] logged in")
	return st, nil
}

// Authenticate presents a stored token on the live connection and waits
// until the server acknowledges it.
func (s *Session) Authenticate(ctx context.Context, token string) (err error) {
	start := time.Now()
	defer func() {
		metrics.Requests.WithLabelValues(protocol.EventAuth, outcome(err)).Inc()
		metrics.RequestDuration.WithLabelValues(protocol.EventAuth).Observe(time.Since(start).Seconds())
	}()

	frame, err := protocol.Encode(protocol.EventAuth, protocol.TokenRequest{Token: token})
	if err != nil {
		return err
	}
	if err := s.beginAuth(); err != nil {
		return err
	}
	if s.tokens != nil {
		if err := s.tokens.SaveToken(token); err != nil {
			return err
		}
	}
	s.setState(Authenticating)
	if err := s.enqueue(frame); err != nil {
		s.restoreAuth()
		return err
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	st, err := s.awaitState(ctx, func(st State) bool { return st != Authenticating })
	switch {
	case errors.Is(err, context.DeadlineExceeded) && s.cfg.RequestTimeout > 0:
		return ErrTimeout
	case err != nil:
		return err
	}
	switch st {
	case Ready:
		return nil
	case Open:
		s.mu.Lock()
		reason := s.authErr
		s.mu.Unlock()
		return &RejectedError{Event: protocol.EventAuth, Message: reason}
	case Closed:
		return ErrClosed
	default:
		return ErrDisconnected
	}
}

// beginAuth checks that a socket is attached before the session moves
// to Authenticating. Without one there is nobody to answer and Open would
// take the state for a live connection.
func (s *Session) beginAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == Closed:
		return ErrClosed
	case s.link == nil && s.state == Reconnecting:
		return ErrDisconnected
	case s.link == nil || !s.state.connected():
		return ErrNotConnected
	}
	s.authErr = ""
	return nil
}

// restoreAuth drops back to Open when the auth frame was not queued. A
// link that is going away is left to lost.
func (s *Session) restoreAuth() {
	s.mu.Lock()
	live := s.link != nil && s.state == Authenticating
	s.mu.Unlock()
	if live {
		s.setState(Open)
	}
}

// Register creates an account. It does not log in.
func (s *Session) Register(ctx context.Context, creds protocol.Credentials) error {
	in, err := s.request(ctx, protocol.EventRegister, creds, kindIs(protocol.KindRegister, protocol.KindError))
	if err != nil {
		return err
	}
	return rejected(protocol.EventRegister, in)
}

// OnlineUsers fetches the current online set.
func (s *Session) OnlineUsers(ctx context.Context) ([]string, error) {
	in, err := s.request(ctx, protocol.EventGetOnlineUsers, struct{}{}, kindIs(protocol.KindOnlineUsers, protocol.KindError))
	if err != nil {
		return nil, err
	}
	if in.Kind == protocol.KindError {
		return nil, rejected(protocol.EventGetOnlineUsers, in)
	}
	return in.Users, nil
}

// AllUsers fetches every registered user.
func (s *Session) AllUsers(ctx context.Context) ([]string, error) {
	in, err := s.request(ctx, protocol.EventGetAllUsers, struct{}{}, kindIs(protocol.KindAllUsers, protocol.KindError))
	if err != nil {
		return nil, err
	}
	if in.Kind == protocol.KindError {
		return nil, rejected(protocol.EventGetAllUsers, in)
	}
	return in.Users, nil
}

// History fetches the stored messages of room. Replies that do not name
// a room are taken as the answer to the oldest pending fetch.
func (s *Session) History(ctx context.Context, room string) ([]protocol.Message, error) {
	match := func(in protocol.Inbound) bool {
		switch in.Kind {
		case protocol.KindHistory:
			return in.Room == "" || in.Room == room
		case protocol.KindError:
			return true
		}
		return false
	}
	in, err := s.request(ctx, protocol.EventGetMessages, protocol.HistoryRequest{Room: room}, match)
	if err != nil {
		return nil, err
	}
	if err := rejected(protocol.EventGetMessages, in); err != nil {
		return nil, err
	}
	msgs := in.History
	for i := range msgs {
		if msgs[i].Room == "" {
			msgs[i].Room = room
		}
	}
	return msgs, nil
}
