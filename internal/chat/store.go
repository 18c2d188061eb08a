// Package chat keeps the in-memory conversations with remote peers.
package chat

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("goopcall/chat")

// DefaultBufferSize is the default number of messages kept per chat
const DefaultBufferSize = 500

// Chat is a copy of one conversation.
type Chat struct {
	PeerID      string     `json:"peer_id"`
	PeerName    string     `json:"peer_name"`
	Messages    []*Message `json:"messages"`
	UnreadCount int        `json:"unread_count"`
}

type chat struct {
	peerName string
	messages *util.RingBuffer[*Message]
	unread   int
}

// Store holds one chat per peer. It is safe for concurrent use: the session
// loop writes while HTTP handlers read.
type Store struct {
	selfID     string
	bufferSize int

	mu        sync.RWMutex
	chats     map[string]*chat
	listeners []chan *Message
}

func NewStore(selfID string, bufferSize int) *Store {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Store{
		selfID:     selfID,
		bufferSize: bufferSize,
		chats:      make(map[string]*chat),
	}
}

// Open creates the chat with peerID if needed and records its display name.
func (s *Store) Open(peerID, peerName string) {
	s.mu.Lock()
	c := s.get(peerID)
	if peerName != "" {
		c.peerName = peerName
	}
	s.mu.Unlock()
}

func (s *Store) get(peerID string) *chat {
	c, ok := s.chats[peerID]
	if !ok {
		c = &chat{peerName: peerID, messages: util.NewRingBuffer[*Message](s.bufferSize)}
		s.chats[peerID] = c
	}
	return c
}

// Received appends an inbound text and bumps the unread count.
func (s *Store) Received(peerID, content string) *Message {
	msg := newMessage(peerID, peerID, content, MessageTypeText)
	s.add(msg, true)
	log.Debugf("message from %s: %.50s", peerID, content)
	return msg
}

// Sent appends a text the local peer wrote.
func (s *Store) Sent(peerID, content string) *Message {
	msg := newMessage(peerID, s.selfID, content, MessageTypeText)
	s.add(msg, false)
	return msg
}

// System appends a notice such as "Bob connected".
func (s *Store) System(peerID, content string) *Message {
	msg := newMessage(peerID, "", content, MessageTypeSystem)
	s.add(msg, false)
	return msg
}

func (s *Store) add(msg *Message, unread bool) {
	s.mu.Lock()
	c := s.get(msg.PeerID)
	c.messages.Push(msg)
	if unread {
		c.unread++
	}
	for _, l := range s.listeners {
		select {
		case l <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	s.mu.Unlock()
}

// MarkRead resets the unread count of the chat with peerID.
func (s *Store) MarkRead(peerID string) {
	s.mu.Lock()
	if c, ok := s.chats[peerID]; ok {
		c.unread = 0
	}
	s.mu.Unlock()
}

// Chat returns a copy of the conversation with peerID.
func (s *Store) Chat(peerID string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[peerID]
	if !ok {
		return Chat{}, false
	}
	return c.copy(peerID), true
}

// Chats returns every conversation, newest activity first.
func (s *Store) Chats() []Chat {
	s.mu.RLock()
	out := make([]Chat, 0, len(s.chats))
	for id, c := range s.chats {
		out = append(out, c.copy(id))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := lastAt(out[i]), lastAt(out[j])
		if ti != tj {
			return ti > tj
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Unread returns the total unread count over all chats.
func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chats {
		n += c.unread
	}
	return n
}

func (c *chat) copy(peerID string) Chat {
	return Chat{
		PeerID:      peerID,
		PeerName:    c.peerName,
		Messages:    c.messages.Snapshot(),
		UnreadCount: c.unread,
	}
}

func lastAt(c Chat) int64 {
	if len(c.Messages) == 0 {
		return 0
	}
	return c.Messages[len(c.Messages)-1].Timestamp
}

// Subscribe returns a channel that receives new messages
func (s *Store) Subscribe() <-chan *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Message, 32)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (s *Store) Unsubscribe(ch <-chan *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.listeners {
		if l == ch {
			close(l)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Close closes every listener channel.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		close(l)
	}
	s.listeners = nil
}
