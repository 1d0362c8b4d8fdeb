// Package presence maps authenticated user identities to their currently
// connected signaling channel. It is the only source of reachability truth:
// every component that wants to deliver an event resolves the channel here,
// fresh, at send time.
package presence

import "sync"

// Channel is one user's signaling connection. Send must not block; it reports
// whether the payload was queued for delivery.
type Channel interface {
	ChannelID() string
	Send(event string, data any) bool
}

// Registry holds at most one channel per user. A second registration for the
// same user replaces the first (last writer wins), which is how reconnecting
// clients take over their identity.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Channel),
	}
}

// Register binds userID to ch, replacing any previous channel. The replaced
// channel is returned so the transport can close it.
func (r *Registry) Register(userID string, ch Channel) (replaced Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced = r.entries[userID]
	r.entries[userID] = ch
	return replaced
}

// Lookup returns the user's current channel. Absence is a normal outcome
// meaning the user is not reachable for signaling right now.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.entries[userID]
	return ch, ok
}

// Unregister removes the entry for userID only if it still points at
// channelID. The guard keeps a slow disconnect of an old connection from
// evicting the replacement that already took over. It reports whether the
// entry was removed.
func (r *Registry) Unregister(userID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.entries[userID]
	if !ok || ch.ChannelID() != channelID {
		return false
	}
	delete(r.entries, userID)
	return true
}

// Count returns the number of currently registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
