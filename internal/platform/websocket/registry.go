// Package websocket tracks live client connections and moves events to and
// from them. The Registry indexes connections by user, role and channel; the
// Handler upgrades authenticated HTTP requests and runs each connection's
// read and write pumps.
package websocket

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Handle is a live connection as seen by the registry and its callers.
type Handle interface {
	ID() string
	UserID() string
	Role() string
	// Push enqueues payload for delivery without blocking. It reports false
	// when the connection is closed or its queue is full.
	Push(payload []byte) bool
	Close() error
}

// Recorder receives registry events for metrics.
type Recorder interface {
	ConnectionRegistered()
	ConnectionUnregistered()
	PushDropped()
}

type nopRecorder struct{}

func (nopRecorder) ConnectionRegistered()   {}
func (nopRecorder) ConnectionUnregistered() {}
func (nopRecorder) PushDropped()            {}

type handleSet map[Handle]struct{}

// Registry is the connection index. A single mutex guards every index so a
// lookup never observes a handle in one index but not another.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]Handle
	byRole    map[string]handleSet
	byChannel map[string]handleSet
	channels  map[Handle]map[string]struct{} // registered handle -> joined channels

	logger   zerolog.Logger
	recorder Recorder
}

func NewRegistry(logger zerolog.Logger, recorder Recorder) *Registry {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Registry{
		byUser:    make(map[string]Handle),
		byRole:    make(map[string]handleSet),
		byChannel: make(map[string]handleSet),
		channels:  make(map[Handle]map[string]struct{}),
		logger:    logger,
		recorder:  recorder,
	}
}

// Register indexes h under its user and role. A user has at most one
// indexed connection: a previous one is removed from every index, closed and
// returned.
func (r *Registry) Register(h Handle) (replaced Handle) {
	r.mu.Lock()
	if _, ok := r.channels[h]; ok {
		r.mu.Unlock()
		return nil
	}
	if prev, ok := r.byUser[h.UserID()]; ok {
		r.removeLocked(prev)
		replaced = prev
	}
	r.byUser[h.UserID()] = h
	addTo(r.byRole, h.Role(), h)
	r.channels[h] = make(map[string]struct{})
	r.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
		r.recorder.ConnectionUnregistered()
		r.logger.Info().
			Str("event", "connection_unregistered").
			Str("connection_id", replaced.ID()).
			Str("user_id", replaced.UserID()).
			Str("cause", "replaced").
			Msg("connection replaced by newer connection")
	}

	r.recorder.ConnectionRegistered()
	r.logger.Info().
		Str("event", "connection_registered").
		Str("connection_id", h.ID()).
		Str("user_id", h.UserID()).
		Str("role", h.Role()).
		Msg("connection registered")
	return replaced
}

// Unregister removes h from every index. It is idempotent and reports
// whether h was registered.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	if _, ok := r.channels[h]; !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(h)
	r.mu.Unlock()

	r.recorder.ConnectionUnregistered()
	r.logger.Info().
		Str("event", "connection_unregistered").
		Str("connection_id", h.ID()).
		Str("user_id", h.UserID()).
		Msg("connection unregistered")
	return true
}

func (r *Registry) removeLocked(h Handle) {
	if cur, ok := r.byUser[h.UserID()]; ok && cur == h {
		delete(r.byUser, h.UserID())
	}
	removeFrom(r.byRole, h.Role(), h)
	for ch := range r.channels[h] {
		removeFrom(r.byChannel, ch, h)
	}
	delete(r.channels, h)
}

// Join adds h to a channel. It is a no-op returning false when h is not
// registered or already a member.
func (r *Registry) Join(h Handle, channelID string) bool {
	if channelID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.channels[h]
	if !ok {
		return false
	}
	if _, in := joined[channelID]; in {
		return false
	}
	joined[channelID] = struct{}{}
	addTo(r.byChannel, channelID, h)
	return true
}

// Leave removes h from a channel. It is a no-op returning false when h is
// not a member.
func (r *Registry) Leave(h Handle, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.channels[h]
	if !ok {
		return false
	}
	if _, in := joined[channelID]; !in {
		return false
	}
	delete(joined, channelID)
	removeFrom(r.byChannel, channelID, h)
	return true
}

// LookupByUser returns the user's connection. Not being connected is not an
// error.
func (r *Registry) LookupByUser(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUser[userID]
	return h, ok
}

// LookupByRole returns a snapshot of the connections indexed under role.
func (r *Registry) LookupByRole(role string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byRole[role])
}

// LookupByChannel returns a snapshot of the channel's members.
func (r *Registry) LookupByChannel(channelID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byChannel[channelID])
}

// ChannelsOf returns the channels h has joined, sorted.
func (r *Registry) ChannelsOf(h Handle) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels[h]))
	for ch := range r.channels[h] {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func (r *Registry) ChannelCount(channelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channelID])
}

// CloseAll unregisters and closes every connection. Used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	all := make([]Handle, 0, len(r.channels))
	for h := range r.channels {
		all = append(all, h)
	}
	r.mu.RUnlock()

	for _, h := range all {
		r.Unregister(h)
		_ = h.Close()
	}
	return len(all)
}

// Dropped records a push that could not be enqueued.
func (r *Registry) Dropped(h Handle) {
	r.recorder.PushDropped()
	r.logger.Debug().
		Str("connection_id", h.ID()).
		Str("user_id", h.UserID()).
		Msg("push dropped")
}

func addTo(idx map[string]handleSet, key string, h Handle) {
	set, ok := idx[key]
	if !ok {
		set = make(handleSet)
		idx[key] = set
	}
	set[h] = struct{}{}
}

func removeFrom(idx map[string]handleSet, key string, h Handle) {
	if set, ok := idx[key]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func snapshot(set handleSet) []Handle {
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}
