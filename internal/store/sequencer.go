package store

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Sequencer hands out message ids and creation times for one store. Times
// are truncated to microseconds and strictly increase; ids are ULIDs whose
// lexical order matches creation order.
type Sequencer struct {
	mu      sync.Mutex
	last    time.Time
	entropy io.Reader
	now     func() time.Time
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns the next id and creation time.
func (s *Sequencer) Next() (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}

	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		return "", time.Time{}, err
	}

	s.last = t
	return id.String(), t, nil
}

// Observe raises the floor to t so restarts never reissue an earlier time.
func (s *Sequencer) Observe(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.last) {
		s.last = t.UTC()
	}
}
