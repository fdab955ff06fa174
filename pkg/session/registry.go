// Package session keeps the in-memory state of every call the relay handles.
//
// The Registry is the only mutable state shared between the initiator, the
// webhook handler and the media stream bridges. It owns its locking; callers
// never coordinate among themselves. Sessions are ephemeral: they are evicted
// after a TTL and lost on restart.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-callrelay/pkg/callerr"
)

// ErrExists is returned when a session ID is registered twice.
var ErrExists = errors.New("session: already exists")

// Registry maps session IDs to call sessions, with a secondary index by
// provider call SID.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*CallSession
	byCallSid map[string]string

	ttl      time.Duration
	now      func() time.Time
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets how long a session lives after creation.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.ttl = d
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithNotifier registers a receiver for change events.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*CallSession),
		byCallSid: make(map[string]string),
		ttl:       time.Hour,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "session.registry")
	return r
}

// Create registers a new session with a fresh ID in status initiating.
func (r *Registry) Create(cc CallContext, target, caller string, creds Credentials) (CallSession, error) {
	return r.CreateWithID(uuid.NewString(), cc, target, caller, creds)
}

// CreateWithID registers a new session under id. IDs are never reused.
func (r *Registry) CreateWithID(id string, cc CallContext, target, caller string, creds Credentials) (CallSession, error) {
	if strings.TrimSpace(id) == "" {
		return CallSession{}, callerr.Validation("session id is required")
	}

	now := r.now()
	s := &CallSession{
		ID:          id,
		Target:      target,
		Caller:      caller,
		Context:     cc,
		Status:      StatusInitiating,
		Transcript:  []TranscriptEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Credentials: creds,
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return CallSession{}, fmt.Errorf("%w: %q", ErrExists, id)
	}
	r.sessions[id] = s
	snap := s.clone()
	r.mu.Unlock()

	r.publish(Event{Type: EventCreated, SessionID: id, Status: StatusInitiating, Time: now})
	return snap, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return CallSession{}, callerr.NotFound("session", id)
	}
	return s.clone(), nil
}

// GetByCallSid returns a copy of the session bound to callSid.
func (r *Registry) GetByCallSid(callSid string) (CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCallSid[callSid]
	if !ok {
		return CallSession{}, callerr.NotFound("call", callSid)
	}
	s, ok := r.sessions[id]
	if !ok {
		return CallSession{}, callerr.NotFound("call", callSid)
	}
	return s.clone(), nil
}

// List returns copies of every live session, oldest first.
func (r *Registry) List() []CallSession {
	r.mu.RLock()
	out := make([]CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	r.mu.RUnlock()

	sortByCreated(out)
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Update applies mutate to the session under the registry lock. ID, CallSid,
// Status and Transcript changes made by mutate are discarded; use
// BindCallSid, Transition and AppendTranscript for those.
func (r *Registry) Update(id string, mutate func(*CallSession) error) (CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return CallSession{}, callerr.NotFound("session", id)
	}

	work := s.clone()
	if err := mutate(&work); err != nil {
		return s.clone(), err
	}
	work.ID = s.ID
	work.CallSid = s.CallSid
	work.Status = s.Status
	work.Transcript = s.Transcript
	work.Target = s.Target
	work.Caller = s.Caller
	work.Context = s.Context
	work.CreatedAt = s.CreatedAt
	work.UpdatedAt = r.now()
	*s = work
	return s.clone(), nil
}

// AppendTranscript appends entry to the session transcript. A zero timestamp
// is replaced with the current time.
func (r *Registry) AppendTranscript(id string, entry TranscriptEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return callerr.NotFound("session", id)
	}
	s.Transcript = append(s.Transcript, entry)
	s.UpdatedAt = r.now()
	callSid := s.CallSid
	r.mu.Unlock()

	e := entry
	r.publish(Event{Type: EventTranscript, SessionID: id, CallSid: callSid, Entry: &e, Time: entry.Timestamp})
	return nil
}

// BindCallSid links the provider call SID to the session. Rebinding the same
// SID is a no-op; a different SID, or a SID owned by another session, fails
// with callerr.ErrAlreadyBound.
func (r *Registry) BindCallSid(id, callSid string) error {
	if strings.TrimSpace(callSid) == "" {
		return callerr.Validation("call sid is required")
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return callerr.NotFound("session", id)
	}
	if s.CallSid == callSid {
		r.mu.Unlock()
		return nil
	}
	if s.CallSid != "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %q has %q, refusing %q", callerr.ErrAlreadyBound, id, s.CallSid, callSid)
	}
	if owner, taken := r.byCallSid[callSid]; taken && owner != id {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q belongs to session %q", callerr.ErrAlreadyBound, callSid, owner)
	}
	s.CallSid = callSid
	s.UpdatedAt = r.now()
	r.byCallSid[callSid] = id
	r.mu.Unlock()

	r.publish(Event{Type: EventCallSid, SessionID: id, CallSid: callSid, Time: r.now()})
	return nil
}

// Transition moves the session to status to if CanTransition allows it. The
// returned bool reports whether the change was applied; a rejected transition
// is not an error.
func (r *Registry) Transition(id string, to Status) (CallSession, bool, error) {
	return r.transition(id, to, nil)
}

// TransitionWith is Transition with a mutator that runs only when the
// transition is applied, in the same critical section.
func (r *Registry) TransitionWith(id string, to Status, apply func(*CallSession)) (CallSession, bool, error) {
	return r.transition(id, to, apply)
}

// TransitionByCallSid is Transition keyed by provider call SID.
func (r *Registry) TransitionByCallSid(callSid string, to Status, apply func(*CallSession)) (CallSession, bool, error) {
	r.mu.RLock()
	id, ok := r.byCallSid[callSid]
	r.mu.RUnlock()
	if !ok {
		return CallSession{}, false, callerr.NotFound("call", callSid)
	}
	return r.transition(id, to, apply)
}

func (r *Registry) transition(id string, to Status, apply func(*CallSession)) (CallSession, bool, error) {
	if !to.Valid() {
		return CallSession{}, false, callerr.Validation("unknown status %q", to)
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return CallSession{}, false, callerr.NotFound("session", id)
	}
	if !CanTransition(s.Status, to) {
		snap := s.clone()
		r.mu.Unlock()
		return snap, false, nil
	}
	from := s.Status
	s.Status = to
	s.UpdatedAt = r.now()
	if apply != nil {
		apply(s)
	}
	snap := s.clone()
	r.mu.Unlock()

	r.logger.Debug("status transition", "session_id", id, "from", from, "to", to)
	r.publish(Event{Type: EventStatus, SessionID: id, CallSid: snap.CallSid, Status: to, Time: snap.UpdatedAt})
	return snap, true, nil
}

// Delete removes a session and its call SID index entry.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		r.removeLocked(s)
	}
	r.mu.Unlock()
	return ok
}

// Sweep evicts every session created more than the TTL before now,
// regardless of status, and returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-r.ttl)

	var evicted []CallSession
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			evicted = append(evicted, CallSession{ID: s.ID, CallSid: s.CallSid, Status: s.Status})
			r.removeLocked(s)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		r.publish(Event{Type: EventEvicted, SessionID: s.ID, CallSid: s.CallSid, Status: s.Status, Time: now})
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted expired sessions", "count", len(evicted), "ttl", r.ttl)
	}
	return len(evicted)
}

// TTL returns the configured session lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func (r *Registry) removeLocked(s *CallSession) {
	delete(r.sessions, s.ID)
	if s.CallSid != "" && r.byCallSid[s.CallSid] == s.ID {
		delete(r.byCallSid, s.CallSid)
	}
}

func (r *Registry) publish(e Event) {
	if r.notifier != nil {
		r.notifier.Publish(e)
	}
}

func sortByCreated(sessions []CallSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
