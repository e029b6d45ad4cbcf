// Package master is the session directory: authority servers register and
// heartbeat, clients list live sessions. Entries expire after a TTL without
// heartbeats.
package master

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Occupancy is the live load of a session, refreshed by every heartbeat.
type Occupancy struct {
	Participants int `json:"participants"`
	Objects      int `json:"objects"`
	Held         int `json:"held"` // objects currently grabbed
}

// SessionInfo describes a replication session visible to clients. Servers
// post it to register; ID is assigned by the directory.
type SessionInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Address         string `json:"address"`
	MaxParticipants int    `json:"maxParticipants"`
	Version         string `json:"version"`
	Region          string `json:"region"`
	Occupancy
}

// Open reports whether another participant can join.
func (s SessionInfo) Open() bool {
	return s.MaxParticipants <= 0 || s.Participants < s.MaxParticipants
}

// HeartbeatRequest keeps a registered session alive.
type HeartbeatRequest struct {
	ID string `json:"id"`
	Occupancy
}

type sessionRecord struct {
	SessionInfo
	LastSeen time.Time
}

// Registry is an in-memory store of active sessions with TTL-based expiry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
	ttl      time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{
		sessions: make(map[string]*sessionRecord),
		ttl:      ttl,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) Register(info SessionInfo) string {
	id := uuid.NewString()
	info.ID = id

	r.mu.Lock()
	r.sessions[id] = &sessionRecord{
		SessionInfo: info,
		LastSeen:    r.now(),
	}
	r.mu.Unlock()

	return id
}

// Heartbeat refreshes a live entry. It reports false for unknown or expired
// ids; the caller is expected to register again.
func (r *Registry) Heartbeat(id string, occ Occupancy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok || r.expired(rec, r.now()) {
		return false
	}
	rec.LastSeen = r.now()
	rec.Occupancy = occ
	return true
}

// Filter selects sessions in List. Zero values match everything.
type Filter struct {
	Version  string
	Region   string
	OpenOnly bool
}

func (f Filter) match(s SessionInfo) bool {
	switch {
	case f.Version != "" && s.Version != f.Version:
		return false
	case f.Region != "" && s.Region != f.Region:
		return false
	case f.OpenOnly && !s.Open():
		return false
	}
	return true
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok || r.expired(rec, r.now()) {
		return SessionInfo{}, false
	}
	return rec.SessionInfo, true
}

// List returns live sessions matching f ordered by name.
func (r *Registry) List(f Filter) []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	result := make([]SessionInfo, 0, len(r.sessions))
	for _, rec := range r.sessions {
		if !r.expired(rec, now) && f.match(rec.SessionInfo) {
			result = append(result, rec.SessionInfo)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *Registry) expired(rec *sessionRecord, now time.Time) bool {
	return now.Sub(rec.LastSeen) >= r.ttl
}

// Sweep deletes expired entries and reports how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, rec := range r.sessions {
		if r.expired(rec, now) {
			log.Printf("[master] expired session %q (id=%s, last seen %s ago)",
				rec.Name, id, now.Sub(rec.LastSeen).Round(time.Second))
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
