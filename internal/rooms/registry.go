// Package rooms implements the in-memory room registry: the mapping from room
// identifier to its ordered participant list.
//
// The registry is the only shared mutable state on the server. All state lives
// in process memory and is lost on restart by design; there is no persistence
// layer.
package rooms

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomloop/roomloop/internal/ratelimit"
)

var ErrRoomNotFound = errors.New("rooms: room not found")

// TrackKind identifies a participant media track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Participant is a user's membership record within a room.
//
// UserID is a stable identity chosen by the client and survives reconnects;
// ConnectionID identifies the current transport connection and is reassigned
// on every reconnect.
type Participant struct {
	UserID       string
	ConnectionID string
	Username     string
	AudioEnabled bool
	VideoEnabled bool
}

type room struct {
	// participants is ordered by join time.
	participants []Participant

	// createdAt is only meaningful while the room is empty: a pre-created room
	// stays joinable for the registry's grace period, after which it is reaped.
	createdAt time.Time
}

// Registry maps room identifiers to participant lists.
//
// All operations are synchronous in-memory mutations under a single mutex;
// handlers are short so contention is not a concern at this scale. Removing the
// last participant deletes the room in the same critical section, so no
// transient empty room is ever observable.
type Registry struct {
	mu    sync.Mutex
	clock ratelimit.Clock
	grace time.Duration
	rooms map[string]*room
}

// NewRegistry creates a registry. Pre-created rooms that never receive a join
// are reaped after grace. A nil clock uses the real time.
func NewRegistry(grace time.Duration, clock ratelimit.Clock) *Registry {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		clock: clock,
		grace: grace,
		rooms: make(map[string]*room),
	}
}

// Create registers a fresh room identifier and returns it. The room is empty
// until its first join; if no join arrives within the grace period it is
// reaped.
func (r *Registry) Create() string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()
	r.rooms[id] = &room{createdAt: r.clock.Now()}
	return id
}

// Exists reports whether the room identifier is currently joinable.
func (r *Registry) Exists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()
	_, ok := r.rooms[roomID]
	return ok
}

// Add admits a participant. A participant with the same UserID already in the
// room is replaced (reconnect: the connection identity changed), keeping at
// most one Participant per UserID per room.
func (r *Registry) Add(roomID string, p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()
	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}

	for i := range rm.participants {
		if rm.participants[i].UserID == p.UserID {
			rm.participants = append(rm.participants[:i], rm.participants[i+1:]...)
			break
		}
	}
	rm.participants = append(rm.participants, p)
	return nil
}

// Remove drops the participant with the given connection identity and returns
// it. Removing the last participant deletes the room as part of the same
// operation. Unknown room or connection is a no-op.
func (r *Registry) Remove(roomID, connectionID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Participant{}, false
	}

	for i := range rm.participants {
		if rm.participants[i].ConnectionID == connectionID {
			removed := rm.participants[i]
			rm.participants = append(rm.participants[:i], rm.participants[i+1:]...)
			if len(rm.participants) == 0 {
				delete(r.rooms, roomID)
			}
			return removed, true
		}
	}
	return Participant{}, false
}

// List returns the room's participants in join order, excluding the given
// user. The returned slice is a copy.
func (r *Registry) List(roomID, excludingUserID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}

	out := make([]Participant, 0, len(rm.participants))
	for _, p := range rm.participants {
		if p.UserID == excludingUserID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Resolve looks up the participant currently bound to a connection identity.
func (r *Registry) Resolve(roomID, connectionID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()
	rm, ok := r.rooms[roomID]
	if !ok {
		return Participant{}, false
	}
	for _, p := range rm.participants {
		if p.ConnectionID == connectionID {
			return p, true
		}
	}
	return Participant{}, false
}

// Count returns the number of participants in the room, and whether the room
// exists at all.
func (r *Registry) Count(roomID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	return len(rm.participants), true
}

// SetMediaState records a participant's track toggle and returns the updated
// participant.
func (r *Registry) SetMediaState(roomID, userID string, kind TrackKind, enabled bool) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Participant{}, false
	}
	for i := range rm.participants {
		if rm.participants[i].UserID != userID {
			continue
		}
		switch kind {
		case TrackAudio:
			rm.participants[i].AudioEnabled = enabled
		case TrackVideo:
			rm.participants[i].VideoEnabled = enabled
		}
		return rm.participants[i], true
	}
	return Participant{}, false
}

// reapLocked deletes pre-created rooms whose grace expired before any join.
// Every read path runs it, so expired rooms never outlive the next lookup.
func (r *Registry) reapLocked() {
	if r.grace <= 0 {
		return
	}
	now := r.clock.Now()
	for id, rm := range r.rooms {
		if len(rm.participants) == 0 && now.Sub(rm.createdAt) > r.grace {
			delete(r.rooms, id)
		}
	}
}
