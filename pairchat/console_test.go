package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/pairchat/chat"
	"github.com/gosuda/pairchat/chat/state"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsole_Session(t *testing.T) {
	tr := &stubTransport{online: []string{"bob"}}
	c := chat.New(tr, state.NewKeeper(state.NewMemory()), chat.WithLogger(zerolog.Nop()))
	defer c.Close()

	in := strings.NewReader(strings.Join([]string{
		"hello before login",
		"/login alice pw",
		"/users",
		"/chat bob",
		"hi bob",
		"/bogus",
		"/quit",
	}, "\n"))
	out := &syncBuffer{}
	con := &console{client: c, in: in, out: out}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := con.run(ctx)
	require.ErrorIs(t, err, errQuit)

	text := out.String()
	assert.Contains(t, text, "error: "+chat.ErrNoIdentity.Error())
	assert.Contains(t, text, "logged in as alice")
	assert.Contains(t, text, "  bob")
	assert.Contains(t, text, "-- bob (room-alice-bob)")
	assert.Contains(t, text, "unknown command /bogus")

	msgs := c.Messages("room-alice-bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Body)
}

func TestConsole_UsageErrors(t *testing.T) {
	c := chat.New(&stubTransport{}, state.NewKeeper(state.NewMemory()), chat.WithLogger(zerolog.Nop()))
	defer c.Close()
	con := &console{client: c, out: &syncBuffer{}}

	assert.EqualError(t, con.exec(context.Background(), "/login alice"), "usage: /login <login> <password>")
	assert.EqualError(t, con.exec(context.Background(), "/chat"), "usage: /chat <peer>")
	assert.ErrorIs(t, con.exec(context.Background(), "/history"), chat.ErrNoRoom)
	assert.NoError(t, con.exec(context.Background(), ""))
}
