package session

import (
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
)

// EventType names what an Event reports.
type EventType string

const (
	EventChatMessage      EventType = "chat-message-received"
	EventCallState        EventType = "call-state-changed"
	EventNotification     EventType = "notification"
	EventPeerConnected    EventType = "peer-connected"
	EventPeerDisconnected EventType = "peer-disconnected"
	EventTone             EventType = "tone"
)

// Event is what subscribers see. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType      `json:"type"`
	At       time.Time      `json:"at"`
	PeerID   string         `json:"peer_id,omitempty"`
	PeerName string         `json:"peer_name,omitempty"`
	Message  *chat.Message  `json:"message,omitempty"`
	Call     *call.Snapshot `json:"call,omitempty"`
	Text     string         `json:"text,omitempty"`
	Tone     call.Tone      `json:"tone,omitempty"`
	On       bool           `json:"on,omitempty"`
}

const subscriberBuffer = 64

// Subscribe returns a channel of events and a cancel func. Slow subscribers
// miss events rather than stall the loop.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	o.subMu.Lock()
	if o.subsClosed {
		o.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
		o.subMu.Unlock()
	}
}

func (o *Orchestrator) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	o.subMu.Lock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			log.Debugf("subscriber full, dropping %s", ev.Type)
		}
	}
	o.subMu.Unlock()
}

func (o *Orchestrator) closeSubs() {
	o.subMu.Lock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.subsClosed = true
	o.subMu.Unlock()
}

// observer adapts the orchestrator to call.Observer.
type observer struct{ o *Orchestrator }

func (ob observer) CallStateChanged(s call.Snapshot) {
	ob.o.publish(Event{Type: EventCallState, PeerID: s.PeerID, PeerName: s.PeerName, Call: &s})
}

func (ob observer) Notify(text string) {
	ob.o.notify(text)
}

func (ob observer) ToneChanged(t call.Tone, on bool) {
	ob.o.publish(Event{Type: EventTone, Tone: t, On: on})
}

func (o *Orchestrator) notify(text string) {
	log.Infof("notice: %s", text)
	o.publish(Event{Type: EventNotification, Text: text})
}
