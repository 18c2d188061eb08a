package media

import "sync"

// SenderSet is an in-process Session. Transports that carry no RTP use it to
// track which local tracks would be on the wire.
type SenderSet struct {
	mu      sync.Mutex
	senders []*slot
}

type slot struct {
	set   *SenderSet
	kind  Kind
	track Track
}

func NewSenderSet(s *Stream) *SenderSet {
	set := &SenderSet{}
	if s != nil {
		for _, t := range s.Tracks() {
			set.senders = append(set.senders, &slot{set: set, kind: t.Kind(), track: t})
		}
	}
	return set
}

func (set *SenderSet) Senders() []Sender {
	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]Sender, 0, len(set.senders))
	for _, s := range set.senders {
		out = append(out, s)
	}
	return out
}

func (set *SenderSet) AddTrack(t Track) error {
	set.mu.Lock()
	defer set.mu.Unlock()
	set.senders = append(set.senders, &slot{set: set, kind: t.Kind(), track: t})
	return nil
}

// Tracks returns the tracks currently attached to senders.
func (set *SenderSet) Tracks() []Track {
	set.mu.Lock()
	defer set.mu.Unlock()
	var out []Track
	for _, s := range set.senders {
		if s.track != nil {
			out = append(out, s.track)
		}
	}
	return out
}

func (s *slot) Kind() Kind { return s.kind }

func (s *slot) Track() Track {
	s.set.mu.Lock()
	defer s.set.mu.Unlock()
	return s.track
}

func (s *slot) ReplaceTrack(t Track) error {
	s.set.mu.Lock()
	defer s.set.mu.Unlock()
	s.track = t
	return nil
}
