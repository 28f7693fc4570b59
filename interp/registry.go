package interp

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry is the process-wide lookup table send routing needs for
// "#_scxml_<sessionid>", "#_parent" and "#_<invokeid>" targets (§2
// component 8, §4.5). A single Registry is typically shared by every
// session spawned from one host process, including invoked children.
type Registry struct {
	mu sync.RWMutex
	// group merges CreateChildSession calls for the same key that are in
	// flight at the same time; a call made after an earlier one returned
	// builds a new session.
	group singleflight.Group

	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// register adds s under its own session id, making it reachable via
// "#_scxml_<sessionid>".
func (r *Registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// unregister removes a session, e.g. once its macrostep loop exits.
func (r *Registry) unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// lookup finds a session by its own session id.
func (r *Registry) lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// CreateChildSession builds and registers a new child session under
// singleflight keyed by key (the invoke code passes parent session id +
// "/" + invokeid). A request that overlaps one already in flight for the
// same key shares its session; a later request builds a second one.
func (r *Registry) CreateChildSession(ctx context.Context, key string, build func() (*Session, error)) (*Session, error, bool) {
	v, err, shared := r.group.Do(key, func() (any, error) {
		s, err := build()
		if err != nil {
			return nil, err
		}
		r.register(s)
		return s, nil
	})
	if err != nil {
		return nil, err, shared
	}
	return v.(*Session), nil, shared
}
