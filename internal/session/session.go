// Package session issues and tracks the opaque handles that bind an
// (endpoint, target, caller identity) triple to driver-side state.
//
// Handles are process-local: a handle is meaningless outside the driver
// instance that issued it. Many live sessions per (endpoint, target) are
// expected, not an error - fencing, not the registry, arbitrates writers.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/weft/internal/schema"
)

// ErrUnknownHandle indicates a handle this driver instance never issued,
// or one whose session state has been torn down.
var ErrUnknownHandle = errors.New("unknown session handle")

// Session is the driver-side state bound to one handle. A session lives
// for the duration of one caller process's interaction; there is no
// explicit teardown RPC.
type Session struct {
	Handle   string
	Endpoint string
	CallerID string
	Resource *schema.Resource

	mu          sync.Mutex
	fenceEpoch  int64 // epoch from this session's last Fence; 0 = never fenced
	sawNonEmpty bool  // a Load returned a non-empty document
}

// SetFenceEpoch records the epoch established by this session's Fence.
func (s *Session) SetFenceEpoch(epoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fenceEpoch = epoch
}

// FenceEpoch returns the epoch from this session's last Fence, or 0 if
// the session never fenced.
func (s *Session) FenceEpoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fenceEpoch
}

// NoteLoaded records that a Load for this session returned at least one
// non-empty document. A driver must not claim "always empty" afterwards.
func (s *Session) NoteLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sawNonEmpty = true
}

// MayClaimAlwaysEmpty reports whether the sticky always-empty Load hint
// is still permitted for this session. Only delta-updates resources (a
// stable destination property) and sessions that never returned a
// non-empty document may claim it.
func (s *Session) MayClaimAlwaysEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Resource.DeltaUpdates && !s.sawNonEmpty
}

// HandleGenerator mints opaque session handles.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type HandleGenerator interface {
	Generate() string
}

// Registry is the concurrent lookup table from handle to session state.
type Registry struct {
	gen HandleGenerator

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry using gen for handles.
func NewRegistry(gen HandleGenerator) *Registry {
	return &Registry{
		gen:      gen,
		sessions: make(map[string]*Session),
	}
}

// Start creates a session for the triple and returns it. The target is a
// resource spec document, parsed and validated before the session exists.
func (r *Registry) Start(endpoint, target, callerID string) (*Session, error) {
	if callerID == "" {
		return nil, fmt.Errorf("start session: caller identity must not be empty")
	}
	res, err := schema.ParseResource([]byte(target))
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &Session{
		Handle:   r.gen.Generate(),
		Endpoint: endpoint,
		CallerID: callerID,
		Resource: res,
	}

	r.mu.Lock()
	r.sessions[s.Handle] = s
	r.mu.Unlock()
	return s, nil
}

// Get resolves a handle to its session.
func (r *Registry) Get(handle string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandle, handle)
	}
	return s, nil
}

// Drop removes a session from the registry. Used when a session becomes
// a zombie (superseded at commit time); its handle stops resolving.
func (r *Registry) Drop(handle string) {
	r.mu.Lock()
	delete(r.sessions, handle)
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
