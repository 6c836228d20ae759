package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/pairchat/chat/protocol"
)

func msg(sender, body, ts string) protocol.Message {
	return protocol.Message{Sender: sender, Body: body, Timestamp: ts}
}

func TestAppend_Idempotent(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Append("room-1-2", msg("alice", "hi", "T1")))
	assert.False(t, s.Append("room-1-2", msg("alice", "hi", "T1")))
	assert.Equal(t, 1, s.Len("room-1-2"))
}

func TestAppend_KeyIsFullTuple(t *testing.T) {
	s := NewStore()
	require.True(t, s.Append("r", msg("alice", "hi", "T1")))
	assert.True(t, s.Append("r", msg("bob", "hi", "T1")))
	assert.True(t, s.Append("r", msg("alice", "hello", "T1")))
	assert.True(t, s.Append("r", msg("alice", "hi", "T2")))
	assert.Equal(t, 4, s.Len("r"))
}

func TestAppend_ArrivalOrder(t *testing.T) {
	s := NewStore()
	const n = 25
	for i := 0; i < n; i++ {
		require.True(t, s.Append("r", msg("alice", fmt.Sprintf("m%d", i), "T")))
	}
	got := s.Get("r")
	require.Len(t, got, n)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Body)
		assert.Equal(t, "r", m.Room)
	}
}

func TestGet_UnknownRoom(t *testing.T) {
	s := NewStore()
	got := s.Get("nowhere")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Append("r", msg("alice", "hi", "T1"))
	got := s.Get("r")
	got[0].Body = "changed"
	assert.Equal(t, "hi", s.Get("r")[0].Body)
}

func TestReplace_ThenAppendExisting(t *testing.T) {
	s := NewStore()
	s.Replace("r", []protocol.Message{msg("alice", "hi", "T1"), msg("bob", "hey", "T2")})
	assert.False(t, s.Append("r", msg("bob", "hey", "T2")))
	assert.Equal(t, 2, s.Len("r"))
}

func TestReplace_KeepsEarlierArrivals(t *testing.T) {
	s := NewStore()
	s.Append("r", msg("bob", "new", "T9"))
	s.Append("r", msg("alice", "hi", "T1"))

	n := s.Replace("r", []protocol.Message{msg("alice", "hi", "T1"), msg("bob", "hey", "T2"), msg("alice", "hi", "T1")})
	assert.Equal(t, 3, n)

	got := s.Get("r")
	assert.Equal(t, []string{"hi", "hey", "new"}, bodies(got))
}

func TestEnsureAndRooms(t *testing.T) {
	s := NewStore()
	s.Ensure("room-b-c")
	s.Append("room-a-b", msg("a", "x", "T"))
	s.Ensure("room-a-b")
	assert.Equal(t, []string{"room-a-b", "room-b-c"}, s.Rooms())
	assert.Equal(t, 1, s.Len("room-a-b"))
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore()
	s.Append("room-a-b", msg("a", "x", "T1"))
	s.Append("room-a-c", msg("c", "y", "T2"))

	other := NewStore()
	other.Append("room-a-b", msg("b", "local", "T3"))
	other.Restore(s.Snapshot())

	assert.Equal(t, []string{"x", "local"}, bodies(other.Get("room-a-b")))
	assert.Equal(t, []string{"y"}, bodies(other.Get("room-a-c")))
}

func TestConcurrentAppend(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Append("r", msg("alice", fmt.Sprintf("m%d", j), "T"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len("r"))
}

func bodies(msgs []protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
