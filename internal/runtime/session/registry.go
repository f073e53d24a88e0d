// Package session negotiates exclusive session ownership with the broker and
// tracks every session receiver the process currently holds.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/logging"
)

// Key identifies one registry slot.
type Key struct {
	Target    broker.Target
	SessionID string
}

// Entry is one owned session receiver. Close is safe to call from error
// eviction and shutdown concurrently; the receiver is closed once.
type Entry struct {
	key        Key
	receiver   broker.SessionReceiver
	acceptedAt time.Time

	stopRenew context.CancelFunc
	once      sync.Once
	closeErr  error
}

func newEntry(target broker.Target, recv broker.SessionReceiver, stopRenew context.CancelFunc) *Entry {
	return &Entry{
		key:        Key{Target: target, SessionID: recv.SessionID()},
		receiver:   recv,
		acceptedAt: time.Now().UTC(),
		stopRenew:  stopRenew,
	}
}

func (e *Entry) Key() Key                          { return e.key }
func (e *Entry) SessionID() string                 { return e.key.SessionID }
func (e *Entry) Target() broker.Target             { return e.key.Target }
func (e *Entry) Receiver() broker.SessionReceiver  { return e.receiver }
func (e *Entry) AcceptedAt() time.Time             { return e.acceptedAt }
func (e *Entry) Handle() broker.Handle             { return broker.NewSessionHandle(e.key.Target, e.receiver) }

// Close stops lock renewal and closes the receiver. Later calls return the
// first result.
func (e *Entry) Close(ctx context.Context) error {
	e.once.Do(func() {
		if e.stopRenew != nil {
			e.stopRenew()
		}
		e.closeErr = e.receiver.Close(ctx)
	})
	return e.closeErr
}

// Info is a point-in-time view of an entry for status reporting.
type Info struct {
	Target      string    `json:"target"`
	SessionID   string    `json:"session_id"`
	AcceptedAt  time.Time `json:"accepted_at"`
	LockedUntil time.Time `json:"locked_until"`
}

// Registry maps (target, session id) to the live receiver for it. It is owned
// by the service and passed explicitly to every component that needs it.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	closed  bool
	log     logging.ServiceLogger
}

// NewRegistry returns an empty registry.
func NewRegistry(log logging.ServiceLogger) *Registry {
	return &Registry{
		entries: make(map[Key]*Entry),
		log:     logging.Component(log, "session_registry"),
	}
}

// Get returns the live entry for (target, sessionID).
func (r *Registry) Get(target broker.Target, sessionID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[Key{Target: target, SessionID: sessionID}]
	return e, ok
}

// Add registers entry. An entry already holding the same key is returned as
// superseded; the caller closes it. After CloseAll the entry is closed and
// ErrRegistryClosed is returned.
func (r *Registry) Add(ctx context.Context, entry *Entry) (superseded *Entry, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if cerr := entry.Close(ctx); cerr != nil {
			r.log.Error("Closing late session receiver failed", cerr, logging.LogFields{"session_id": entry.SessionID()})
		}
		return nil, errspkg.ErrRegistryClosed
	}
	prev := r.entries[entry.key]
	r.entries[entry.key] = entry
	r.mu.Unlock()
	if prev == entry {
		return nil, nil
	}
	return prev, nil
}

// Remove drops entry if it is still the registered owner of its key.
func (r *Registry) Remove(entry *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[entry.key]; ok && cur == entry {
		delete(r.entries, entry.key)
		return true
	}
	return false
}

// EvictTarget removes and returns every entry registered for target.
func (r *Registry) EvictTarget(target broker.Target) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for key, e := range r.entries {
		if key.Target == target {
			out = append(out, e)
			delete(r.entries, key)
		}
	}
	return out
}

// CloseAll refuses further registrations and closes every entry. Close
// failures are joined into the returned error.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*Entry, 0, len(r.entries))
	for key, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, key)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether CloseAll has run.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the sorted session ids registered for target.
func (r *Registry) IDs(target broker.Target) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for key := range r.entries {
		if key.Target == target {
			ids = append(ids, key.SessionID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot lists every entry ordered by target then session id.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, Info{
			Target:      key.Target.String(),
			SessionID:   key.SessionID,
			AcceptedAt:  e.acceptedAt,
			LockedUntil: e.receiver.LockedUntil(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
