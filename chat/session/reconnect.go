package session

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gosuda/pairchat/chat/metrics"
)

// backoff returns the delay before the given attempt, counted from one.
// The delay doubles per attempt up to MaxBackoff, with up to half of it
// replaced by jitter.
func (c Config) backoff(attempt int) time.Duration {
	d := c.MinBackoff
	for i := 1; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// reconnect redials until it succeeds, the session closes or the attempt
// budget runs out. Rooms joined before the loss are joined again.
func (s *Session) reconnect() {
	defer s.wg.Done()
	for attempt := 1; ; attempt++ {
		delay := s.cfg.backoff(attempt)
		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("[session] reconnecting")
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-s.closed:
			t.Stop()
			return
		}

		metrics.ReconnectAttempts.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PongWait)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			s.rejoin()
			return
		}
		if s.isClosed() {
			return
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("[session] reconnect failed")
		if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
			s.logger.Error().Int("attempts", attempt).Msg("[session] giving up")
			s.setState(Disconnected)
			return
		}
	}
}

func (s *Session) rejoin() {
	s.mu.Lock()
	rooms := make(map[string]string, len(s.joined))
	for room, user := range s.joined {
		rooms[room] = user
	}
	s.mu.Unlock()
	for room, user := range rooms {
		if err := s.Join(user, room); err != nil {
			s.logger.Warn().Err(err).Str("room", room).Msg("[session] rejoin")
		}
	}
}
