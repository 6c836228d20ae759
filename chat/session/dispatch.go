package session

import (
	"errors"

	"github.com/gosuda/pairchat/chat/metrics"
	"github.com/gosuda/pairchat/chat/protocol"
)

type result struct {
	in  protocol.Inbound
	err error
}

// waiter is a one-shot request registration. The first inbound frame
// accepted by match resolves it.
type waiter struct {
	match func(protocol.Inbound) bool
	ch    chan result
}

// dispatch handles one inbound frame to completion.
func (s *Session) dispatch(payload []byte) {
	in, err := protocol.Decode(payload)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		s.logger.Debug().Err(err).Bytes("frame", payload).Msg("[session] dropped frame")
		return
	}
	metrics.FramesReceived.WithLabelValues(in.Kind.String()).Inc()

	// The server acknowledges a token only by broadcasting presence.
	if in.Kind == protocol.KindPresence || in.Kind == protocol.KindOnlineUsers {
		if s.State() == Authenticating {
			s.setState(Ready)
		}
	}

	if s.resolve(in) {
		return
	}
	h, ok := s.table[in.Kind]
	if !ok {
		metrics.FramesDropped.WithLabelValues("unhandled").Inc()
		s.logger.Debug().Str("kind", in.Kind.String()).Str("event", in.Event).Msg("[session] unhandled frame")
		return
	}
	h(in)
}

// resolve offers in to the pending waiters in registration order.
func (s *Session) resolve(in protocol.Inbound) bool {
	s.mu.Lock()
	var w *waiter
	for i, cand := range s.waiters {
		if cand.match(in) {
			w = cand
			s.waiters = append(s.waiters[:i:i], s.waiters[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if w == nil {
		return false
	}
	w.ch <- result{in: in}
	return true
}

func (s *Session) addWaiter(w *waiter) {
	s.mu.Lock()
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
}

func (s *Session) removeWaiter(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.waiters {
		if cand == w {
			s.waiters = append(s.waiters[:i:i], s.waiters[i+1:]...)
			return
		}
	}
}

// failWaiters rejects every pending request with err.
func (s *Session) failWaiters(err error) {
	s.mu.Lock()
	pending := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range pending {
		w.ch <- result{err: err}
	}
}

func (s *Session) handleMessage(in protocol.Inbound) {
	s.mu.Lock()
	handlers := append([]func(protocol.Message){}, s.onMessage...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(in.Message)
	}
}

func (s *Session) handlePresence(in protocol.Inbound) {
	s.mu.Lock()
	handlers := append([]func([]string){}, s.onPresence...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(in.Users)
	}
}

// handleAuth covers auth replies nobody asked for, such as the answer to
// the token sent on connect.
func (s *Session) handleAuth(in protocol.Inbound) {
	if in.Status.OK {
		if in.Status.Token != "" && s.tokens != nil {
			if err := s.tokens.SaveToken(in.Status.Token); err != nil {
				s.logger.Warn().Err(err).Msg("[session] save token")
			}
		}
		if s.State().connected() {
			s.setState(Ready)
		}
		return
	}
	s.authFailed(in.Status.Message)
}

func (s *Session) handleError(in protocol.Inbound) {
	if s.State() == Authenticating {
		s.authFailed(in.Status.Message)
		return
	}
	s.logger.Warn().Str("message", in.Status.Message).Msg("[session] server error")
}

// authFailed drops a token the server refused and falls back to an
// unauthenticated connection.
func (s *Session) authFailed(reason string) {
	s.logger.Warn().Str("reason", reason).Msg("[session] authentication rejected")
	if s.tokens != nil {
		if err := s.tokens.ClearToken(); err != nil {
			s.logger.Warn().Err(err).Msg("[session] clear token")
		}
	}
	s.mu.Lock()
	s.authErr = reason
	s.mu.Unlock()
	if st := s.State(); st == Authenticating || st == Ready {
		s.setState(Open)
	}
}

func outcome(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrClosed), errors.Is(err, ErrNotConnected):
		return "disconnected"
	default:
		return "error"
	}
}
