package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/callbridge/internal/log"
)

// DefaultContextTTL is how long an unclaimed call context survives. The
// request ID must bridge the HTTP-to-WebSocket hop, which normally takes
// seconds; 24h is the safety bound before the sweeper reclaims it.
const DefaultContextTTL = 24 * time.Hour

// CallContext carries the per-call configuration from the outbound-call
// request to the media-stream session that later claims it.
type CallContext struct {
	// RequestID is the 16-hex-char key echoed through the TwiML stream URL.
	RequestID string

	// CallSID is assigned by Twilio once the call is created.
	CallSID string

	// Script, Persona and Context are passed verbatim to the AI peer at
	// session start. All optional.
	Script  string
	Persona string
	Context string

	// CreatedAt drives the TTL sweep.
	CreatedAt time.Time
}

// Registry is the in-memory request-ID to call-context map.
type Registry struct {
	ttl time.Duration

	mu       sync.RWMutex
	contexts map[string]*CallContext
}

// NewRegistry creates a registry whose entries expire after ttl.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &Registry{
		ttl:      ttl,
		contexts: make(map[string]*CallContext),
	}
}

// Put stores a context under its request ID.
func (r *Registry) Put(reqID string, cc *CallContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[reqID] = cc
}

// Get returns the context for a request ID, if present.
func (r *Registry) Get(reqID string) (*CallContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.contexts[reqID]
	return cc, ok
}

// SetCallSID records the Twilio call SID on an existing context.
func (r *Registry) SetCallSID(reqID, callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cc, ok := r.contexts[reqID]; ok {
		cc.CallSID = callSID
	}
}

// Remove deletes the context stored under a request ID.
func (r *Registry) Remove(reqID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, reqID)
}

// ForgetCall removes the context associated with a call SID, if any.
func (r *Registry) ForgetCall(callSID string) {
	if callSID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for reqID, cc := range r.contexts {
		if cc.CallSID == callSID {
			delete(r.contexts, reqID)
			return
		}
	}
}

// Sweep removes entries created before the cutoff and returns the count.
func (r *Registry) Sweep(olderThan time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for reqID, cc := range r.contexts {
		if cc.CreatedAt.Before(olderThan) {
			delete(r.contexts, reqID)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// StartSweeper runs the TTL sweep at the given interval until ctx ends.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.Sweep(time.Now().Add(-r.ttl)); removed > 0 {
					log.Info("swept stale call contexts", "removed", removed, "remaining", r.Len())
				}
			}
		}
	}()
}
