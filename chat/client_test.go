package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/pairchat/chat/history"
	"github.com/gosuda/pairchat/chat/presence"
	"github.com/gosuda/pairchat/chat/protocol"
	"github.com/gosuda/pairchat/chat/session"
	"github.com/gosuda/pairchat/chat/state"
)

type fakeTransport struct {
	mu         sync.Mutex
	joined     []string
	sent       []protocol.Message
	online     []string
	onlineErr  error
	all        []string
	history    map[string][]protocol.Message
	historyGo  chan struct{}
	onMessage  func(protocol.Message)
	onPresence func([]string)
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{history: map[string][]protocol.Message{}}
}

func (f *fakeTransport) Open(context.Context) error { return nil }

func (f *fakeTransport) Join(user, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, user+"@"+room)
	return nil
}

func (f *fakeTransport) Send(m protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Login(_ context.Context, creds protocol.Credentials) (protocol.Status, error) {
	if creds.Password != "pw" {
		return protocol.Status{}, &session.RejectedError{Event: "login", Message: "Invalid credentials"}
	}
	return protocol.Status{OK: true, Token: "tok-" + creds.Login, User: creds.Login}, nil
}

func (f *fakeTransport) Register(context.Context, protocol.Credentials) error { return nil }

func (f *fakeTransport) OnlineUsers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online, f.onlineErr
}

func (f *fakeTransport) AllUsers(context.Context) ([]string, error) { return f.all, nil }

func (f *fakeTransport) History(ctx context.Context, room string) ([]protocol.Message, error) {
	if f.historyGo != nil {
		select {
		case <-f.historyGo:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[room], nil
}

func (f *fakeTransport) OnMessage(h func(protocol.Message)) { f.onMessage = h }
func (f *fakeTransport) OnPresence(h func([]string)) { f.onPresence = h }
func (f *fakeTransport) OnState(func(session.State)) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newTestClient(t *testing.T, tr *fakeTransport, now time.Time) (*Client, *state.Keeper) {
	t.Helper()
	keeper := state.NewKeeper(state.NewMemory())
	c := New(tr, keeper, WithLogger(zerolog.Nop()), WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = c.Close() })
	return c, keeper
}

func TestClient_Preconditions(t *testing.T) {
	c, _ := newTestClient(t, newFakeTransport(), time.Now())

	_, err := c.Select("bob")
	assert.ErrorIs(t, err, ErrNoIdentity)
	_, err = c.Send("hi")
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	_, err = c.Send("hi")
	assert.ErrorIs(t, err, ErrNoRoom)
	_, err = c.Select("")
	assert.ErrorIs(t, err, ErrNoPeer)

	_, err = c.Select("bob")
	require.NoError(t, err)
	_, err = c.Send("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestClient_LoginRejected(t *testing.T) {
	c, keeper := newTestClient(t, newFakeTransport(), time.Now())

	_, err := c.Login(context.Background(), "alice", "wrong")
	var rejected *session.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "Invalid credentials", rejected.Message)
	assert.Empty(t, c.Self())
	user, _ := keeper.CurrentUser()
	assert.Empty(t, user)
}

func TestClient_SendEchoAndReply(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tr := newFakeTransport()
	c, keeper := newTestClient(t, tr, t1)

	_, err := c.Login(context.Background(), "1", "pw")
	require.NoError(t, err)
	id, err := c.Select("2")
	require.NoError(t, err)
	assert.Equal(t, "room-1-2", id)

	sent, err := c.Send("hi")
	require.NoError(t, err)
	assert.Equal(t, protocol.Message{Sender: "1", Body: "hi", Timestamp: "2024-05-01T10:00:00.000Z", Room: "room-1-2"}, sent)

	// The server echoes the sender's own message.
	tr.onMessage(sent)
	require.Len(t, c.Messages(id), 1)

	tr.onMessage(protocol.Message{Sender: "2", Body: "hey", Timestamp: "2024-05-01T10:00:05.000Z", Room: "room-1-2"})
	msgs := c.Messages("")
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, "hey", msgs[1].Body)

	convs, err := keeper.Chats()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "room-1-2", convs[0].RoomID)
	assert.Len(t, convs[0].Chats, 2)

	tr.mu.Lock()
	assert.Equal(t, []string{"1@room-1-2"}, tr.joined)
	assert.Len(t, tr.sent, 1)
	tr.mu.Unlock()
}

func TestClient_HistoryKeepsEarlierArrivals(t *testing.T) {
	tr := newFakeTransport()
	tr.historyGo = make(chan struct{})
	tr.history["room-alice-bob"] = []protocol.Message{
		{Sender: "bob", Body: "old", Timestamp: "T0"},
		{Sender: "alice", Body: "hi", Timestamp: "T1"},
	}
	c, _ := newTestClient(t, tr, time.Now())
	_, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)

	events, cancel := c.Subscribe()
	defer cancel()

	id, err := c.Select("bob")
	require.NoError(t, err)
	// Arrives before the fetch resolves.
	tr.onMessage(protocol.Message{Sender: "bob", Body: "new", Timestamp: "T2", Room: id})
	tr.onMessage(protocol.Message{Sender: "alice", Body: "hi", Timestamp: "T1", Room: id})
	close(tr.historyGo)

	waitFor(t, events, EventHistory)
	var bodies []string
	for _, m := range c.Messages(id) {
		bodies = append(bodies, m.Body)
	}
	assert.Equal(t, []string{"old", "hi", "new"}, bodies)
}

func TestClient_Presence(t *testing.T) {
	tr := newFakeTransport()
	tr.online = []string{"carol", "dave", "alice"}
	c, _ := newTestClient(t, tr, time.Now())

	_, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, ids(c.Online()))

	dave, ok := c.Peer("dave")
	require.True(t, ok)
	tr.onPresence([]string{"dave"})
	assert.Equal(t, []string{"dave"}, ids(c.Online()))
	again, _ := c.Peer("dave")
	assert.Equal(t, dave.Image, again.Image)

	tr.mu.Lock()
	tr.onlineErr = errors.New("boom")
	tr.mu.Unlock()
	assert.Error(t, c.RefreshOnline(context.Background()))
	assert.Equal(t, []string{"dave"}, ids(c.Online()))
}

func TestClient_DirectoryExcludesSelf(t *testing.T) {
	tr := newFakeTransport()
	tr.all = []string{"alice", "bob", "carol"}
	c, _ := newTestClient(t, tr, time.Now())
	_, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)

	users, err := c.Directory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, users)
}

func TestClient_RestoreAndLogout(t *testing.T) {
	keeper := state.NewKeeper(state.NewMemory())
	require.NoError(t, keeper.SaveCurrentUser("alice"))
	require.NoError(t, keeper.SaveToken("tok"))
	require.NoError(t, keeper.SaveChats([]history.Conversation{{
		RoomID: "room-alice-bob",
		Chats:  []protocol.Message{{Sender: "bob", Body: "yo", Timestamp: "T1"}},
	}}))

	c := New(newFakeTransport(), keeper, WithLogger(zerolog.Nop()))
	defer c.Close()
	assert.Equal(t, "alice", c.Self())
	assert.Equal(t, []string{"room-alice-bob"}, c.Rooms())
	require.Len(t, c.Messages("room-alice-bob"), 1)

	require.NoError(t, c.Logout())
	assert.Empty(t, c.Self())
	assert.Empty(t, c.Room())
	tok, _ := keeper.Token()
	assert.Empty(t, tok)
	convs, _ := keeper.Chats()
	assert.Len(t, convs, 1)
}

func ids(peers []presence.Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.ID)
	}
	return out
}

func waitFor(t *testing.T, events <-chan Event, typ string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}
