package realtime

import (
	"sort"
	"sync"

	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
)

// RoomRegistry tracks room membership on this process. A room exists exactly
// while it has at least one member; members are kept in join order without
// duplicates.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[realtime.RoomKey][]string
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[realtime.RoomKey][]string)}
}

// Join adds userID to the room, creating it on first join. It reports
// whether the membership changed; joining a room the user is already in is a
// no-op.
func (r *RoomRegistry) Join(key realtime.RoomKey, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[key]
	for _, m := range members {
		if m == userID {
			return false
		}
	}
	r.rooms[key] = append(members, userID)
	return true
}

// Leave removes userID from the room and deletes the room when it empties.
// It reports whether the membership changed; leaving a room the user is not
// in is a no-op.
func (r *RoomRegistry) Leave(key realtime.RoomKey, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(key, userID)
}

func (r *RoomRegistry) leaveLocked(key realtime.RoomKey, userID string) bool {
	members, ok := r.rooms[key]
	if !ok {
		return false
	}
	for i, m := range members {
		if m != userID {
			continue
		}
		members = append(members[:i], members[i+1:]...)
		if len(members) == 0 {
			delete(r.rooms, key)
		} else {
			r.rooms[key] = members
		}
		return true
	}
	return false
}

// LeaveAll removes userID from every room it is in and returns the affected
// room keys in channel order.
func (r *RoomRegistry) LeaveAll(userID string) []realtime.RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []realtime.RoomKey
	for key, members := range r.rooms {
		for _, m := range members {
			if m == userID {
				affected = append(affected, key)
				break
			}
		}
	}
	for _, key := range affected {
		r.leaveLocked(key, userID)
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].Channel() < affected[j].Channel() })
	return affected
}

// Members returns the room's members in join order, or nil when the room
// does not exist.
func (r *RoomRegistry) Members(key realtime.RoomKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[key]
	if !ok {
		return nil
	}
	return append([]string(nil), members...)
}

// Exists reports whether the room currently has members.
func (r *RoomRegistry) Exists(key realtime.RoomKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[key]
	return ok
}

// Count returns the number of rooms with at least one member.
func (r *RoomRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}

// Keys returns every room key in channel order.
func (r *RoomRegistry) Keys() []realtime.RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]realtime.RoomKey, 0, len(r.rooms))
	for key := range r.rooms {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Channel() < keys[j].Channel() })
	return keys
}
