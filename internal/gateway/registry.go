package gateway

import (
	"sort"
	"sync"
)

// Member is the registry's view of a connection. The registry holds members
// by reference only and never closes or frees them.
type Member interface {
	ID() string
	UserID() string
	Enqueue(msg []byte) bool
}

// Registry maps channel names to member connections, with a reverse index
// from connection id to channels so teardown can remove a connection from
// every channel under one lock.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Member // channel -> connID -> member
	byConn   map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[string]Member),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Add subscribes m to each channel. Existing memberships are left as is.
// It returns the channels that were newly joined.
func (r *Registry) Add(m Member, channels ...string) []string {
	id := m.ID()
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, ch := range channels {
		members, ok := r.channels[ch]
		if !ok {
			members = make(map[string]Member)
			r.channels[ch] = members
		}
		if _, ok := members[id]; ok {
			continue
		}
		members[id] = m
		set, ok := r.byConn[id]
		if !ok {
			set = make(map[string]struct{})
			r.byConn[id] = set
		}
		set[ch] = struct{}{}
		added = append(added, ch)
	}
	return added
}

// Remove drops connID from each channel. Channels it was not in are ignored.
func (r *Registry) Remove(connID string, channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		r.removeLocked(connID, ch)
	}
}

// RemoveAll drops connID from every channel and returns what it was in.
func (r *Registry) RemoveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byConn[connID]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
		r.removeLocked(connID, ch)
	}
	sort.Strings(out)
	return out
}

// RemoveExcept drops connID from every channel for which keep returns false.
func (r *Registry) RemoveExcept(connID string, keep func(channel string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for ch := range r.byConn[connID] {
		if keep(ch) {
			continue
		}
		removed = append(removed, ch)
		r.removeLocked(connID, ch)
	}
	sort.Strings(removed)
	return removed
}

func (r *Registry) removeLocked(connID, ch string) {
	if members, ok := r.channels[ch]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.channels, ch)
		}
	}
	if set, ok := r.byConn[connID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Members returns a snapshot of the members of channel. Callers iterate the
// snapshot without holding the registry lock.
func (r *Registry) Members(channel string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channels[channel]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// Channels returns the sorted channels connID is in.
func (r *Registry) Channels(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byConn[connID]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Has reports whether connID is a member of channel.
func (r *Registry) Has(connID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel][connID]
	return ok
}

// ChannelCount returns the number of channels with at least one member.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
