package session

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrIdentityMismatch = errors.New("session is bound to another identity")
)

// State is a connection session's position in its lifecycle.
type State int32

const (
	Connecting State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons.
const (
	ReasonClientClosed = "client_closed"
	ReasonAuthTimeout  = "auth_timeout"
	ReasonAuthFailed   = "auth_failed"
	ReasonSuperseded   = "superseded"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// Session is the per-connection state machine
// Connecting → Authenticated → Closed. The identity is attached once and
// never changes; Closed is terminal.
//
// The outbound channel is never closed. Writers observe Done instead, so
// Enqueue is safe to call from any goroutine at any time.
type Session struct {
	id        string
	createdAt time.Time

	mu          sync.RWMutex
	state       State
	identity    domain.Identity
	closeReason string
	authTimer   *time.Timer
	lastActive  time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	tornDown  atomic.Bool
}

// New creates a session in the Connecting state with an outbound buffer of
// the given size.
func New(id string, buffer int) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		createdAt:  now,
		lastActive: now,
		state:      Connecting,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the bound identity. It stays readable after Close so
// teardown can unregister by identity.
func (s *Session) Identity() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, !s.identity.IsZero()
}

// Authenticate binds identity to the session. It reports whether this call
// moved the session out of Connecting. On an already authenticated session
// it only confirms the identity matches.
func (s *Session) Authenticate(identity domain.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return false, ErrSessionClosed
	case Authenticated:
		if s.identity.Username != identity.Username || s.identity.ID != identity.ID {
			return false, ErrIdentityMismatch
		}
		return false, nil
	}

	s.identity = identity
	s.state = Authenticated
	s.lastActive = time.Now()
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	return true, nil
}

// ArmAuthTimeout calls fn after d unless the session authenticates or
// closes first.
func (s *Session) ArmAuthTimeout(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.authTimer = time.AfterFunc(d, func() {
		if s.State() == Connecting {
			fn()
		}
	})
}

// Deliver encodes v as JSON and queues it for the connection writer.
func (s *Session) Deliver(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Enqueue(data)
}

// Enqueue queues a frame without blocking.
func (s *Session) Enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Outbound is drained by the connection writer.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close moves the session to Closed. Only the first call has any effect and
// reports true.
func (s *Session) Close(reason string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.closeReason = reason
		if s.authTimer != nil {
			s.authTimer.Stop()
			s.authTimer = nil
		}
		s.mu.Unlock()

		close(s.done)
		closed = true
	})
	return closed
}

// CloseReason returns the reason given to the first Close call.
func (s *Session) CloseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason
}

// BeginTeardown reports true exactly once per session. Callers use it to
// run presence cleanup a single time however many paths observe the close.
func (s *Session) BeginTeardown() bool {
	return s.tornDown.CompareAndSwap(false, true)
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }
