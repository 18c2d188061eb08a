package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceivedCountsUnread(t *testing.T) {
	s := NewStore("1111", 0)
	s.Open("2222", "Bob")
	s.System("2222", "Bob connected")
	s.Received("2222", "hi")
	s.Received("2222", "you there?")
	s.Sent("2222", "yes")

	c, ok := s.Chat("2222")
	require.True(t, ok)
	assert.Equal(t, "Bob", c.PeerName)
	assert.Equal(t, 2, c.UnreadCount)
	require.Len(t, c.Messages, 4)

	assert.Equal(t, MessageTypeSystem, c.Messages[0].Type)
	assert.Empty(t, c.Messages[0].SenderID)
	assert.Equal(t, "2222", c.Messages[1].SenderID)
	assert.False(t, c.Messages[1].Outgoing())
	assert.Equal(t, "1111", c.Messages[3].SenderID)
	assert.True(t, c.Messages[3].Outgoing())

	s.MarkRead("2222")
	c, _ = s.Chat("2222")
	assert.Zero(t, c.UnreadCount)
	assert.Zero(t, s.Unread())
}

func TestChatCreatedOnFirstMessage(t *testing.T) {
	s := NewStore("1111", 0)
	_, ok := s.Chat("3333")
	assert.False(t, ok)

	s.Received("3333", "hello")
	c, ok := s.Chat("3333")
	require.True(t, ok)
	assert.Equal(t, "3333", c.PeerName)
	assert.Equal(t, 1, s.Unread())
}

func TestBufferKeepsNewest(t *testing.T) {
	s := NewStore("1111", 2)
	s.Received("2222", "one")
	s.Received("2222", "two")
	s.Received("2222", "three")

	c, _ := s.Chat("2222")
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "two", c.Messages[0].Content)
	assert.Equal(t, "three", c.Messages[1].Content)
	assert.Equal(t, 3, c.UnreadCount)
}

func TestChatsOrderedByActivity(t *testing.T) {
	s := NewStore("1111", 0)
	s.Open("2222", "Bob")
	s.Open("3333", "Carol")
	s.Received("2222", "first")

	chats := s.Chats()
	require.Len(t, chats, 2)
	assert.Equal(t, "2222", chats[0].PeerID)
	assert.Equal(t, "3333", chats[1].PeerID)
}

func TestSubscribe(t *testing.T) {
	s := NewStore("1111", 0)
	ch := s.Subscribe()

	msg := s.Received("2222", "ping")
	assert.Same(t, msg, <-ch)

	s.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	s.Received("2222", "after")
	s.Close()
}
