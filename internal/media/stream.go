package media

import (
	"sync"

	"github.com/google/uuid"
)

// Stream groups the tracks of one capture or one remote feed.
type Stream struct {
	id string

	mu       sync.Mutex
	tracks   []Track
	released bool
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the current track list.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track { return s.tracksOf(KindAudio) }
func (s *Stream) VideoTracks() []Track { return s.tracksOf(KindVideo) }

func (s *Stream) tracksOf(kind Kind) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Released reports whether the stream's tracks have been stopped.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// release stops every track once. It returns false if the stream was
// already released.
func (s *Stream) release() bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}
	s.released = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	return true
}

// swap removes every track of nt's kind, appends nt and returns the removed
// tracks without stopping them.
func (s *Stream) swap(nt Track) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept, removed []Track
	for _, t := range s.tracks {
		if t.Kind() == nt.Kind() {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	s.tracks = append(kept, nt)
	return removed
}

// detach empties the stream without stopping tracks, so the tracks can be
// adopted by another stream.
func (s *Stream) detach() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.tracks
	s.tracks = nil
	s.released = true
	return out
}
