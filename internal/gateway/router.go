package gateway

import "sync"

// roomKey scopes a channel to its server so two tenants can use the same
// channel name without crosstalk.
func roomKey(serverID, channel string) string {
	return serverID + "-" + channel
}

// Router fans messages out to the connections subscribed to each room. A
// connection belongs to at most one room.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{rooms: make(map[string]map[*Conn]struct{})}
}

// Subscribe adds the connection to the room for the given server/channel.
func (r *Router) Subscribe(serverID, channel string, c *Conn) {
	key := roomKey(serverID, channel)
	r.mu.Lock()
	room, ok := r.rooms[key]
	if !ok {
		room = make(map[*Conn]struct{})
		r.rooms[key] = room
	}
	room[c] = struct{}{}
	r.mu.Unlock()
}

// Unsubscribe removes the connection from its room. Empty rooms are deleted.
func (r *Router) Unsubscribe(serverID, channel string, c *Conn) {
	key := roomKey(serverID, channel)
	r.mu.Lock()
	if room, ok := r.rooms[key]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(r.rooms, key)
		}
	}
	r.mu.Unlock()
}

// Publish enqueues the frame to every subscriber of the room and returns the
// number of connections it was queued to. Subscribers with full send queues
// are skipped; delivery is at-most-once.
func (r *Router) Publish(serverID, channel string, payload []byte) int {
	key := roomKey(serverID, channel)

	r.mu.RLock()
	room := r.rooms[key]
	conns := make([]*Conn, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.trySend(payload) {
			n++
		}
	}
	return n
}

// Subscribers returns the current size of a room.
func (r *Router) Subscribers(serverID, channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomKey(serverID, channel)])
}
