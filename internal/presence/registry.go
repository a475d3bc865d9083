package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/session"
)

type entry struct {
	identity domain.Identity
	session  *session.Session
}

// Registry maps each online username to its single active session. All
// methods are safe for concurrent use and never call out while holding
// the lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register makes s the active session for identity and returns the session
// it displaced, if any. The caller is responsible for closing the returned
// session.
func (r *Registry) Register(identity domain.Identity, s *session.Session) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[identity.Username]
	r.entries[identity.Username] = entry{identity: identity, session: s}
	if !ok || prev.session == s {
		return nil
	}
	return prev.session
}

// Unregister removes identity only while s is still its registered
// session, and reports whether an entry was removed.
func (r *Registry) Unregister(identity domain.Identity, s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[identity.Username]
	if !ok || cur.session != s {
		return false
	}
	delete(r.entries, identity.Username)
	return true
}

// Restore hands the entry back to prev while s is still registered for
// identity, removing it when prev is nil. It reports whether s was the
// registered session.
func (r *Registry) Restore(identity domain.Identity, s, prev *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[identity.Username]
	if !ok || cur.session != s {
		return false
	}
	if prev == nil {
		delete(r.entries, identity.Username)
		return true
	}
	r.entries[identity.Username] = entry{identity: cur.identity, session: prev}
	return true
}

// Lookup returns the active session for username.
func (r *Registry) Lookup(username string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[username]
	return e.session, ok
}

// SnapshotOnline returns the sorted usernames online at one instant.
func (r *Registry) SnapshotOnline() []string {
	r.mu.RLock()
	names := lo.Keys(r.entries)
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// SnapshotIdentities returns the online identities ordered by username.
func (r *Registry) SnapshotIdentities() []domain.Identity {
	r.mu.RLock()
	ids := lo.MapToSlice(r.entries, func(_ string, e entry) domain.Identity { return e.identity })
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].Username < ids[j].Username })
	return ids
}

func (r *Registry) IsOnline(username string) bool {
	_, ok := r.Lookup(username)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
