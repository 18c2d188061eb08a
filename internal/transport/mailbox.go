package transport

import "sync"

// Mailbox is an unbounded FIFO of events drained into a channel. Producers
// never block, so a transport goroutine can report events while the consumer
// is itself busy writing to the transport.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
	out    chan Event
}

func NewMailbox() *Mailbox {
	m := &Mailbox{
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.pump()
	return m
}

// Push enqueues ev. Events pushed after Close are dropped.
func (m *Mailbox) Push(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, ev)
	m.cond.Signal()
}

// C is closed after Close once the pump exits.
func (m *Mailbox) C() <-chan Event { return m.out }

func (m *Mailbox) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

func (m *Mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.queue = nil
			m.mu.Unlock()
			return
		}
		ev := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}
