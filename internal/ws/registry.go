package ws

import (
	"errors"
	"sync"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/metrics"
	"github.com/chatroom/internal/model"
)

var ErrTooManyConnections = errors.New("connection limit reached")

// Registry indexes live connections by room and by user. Several connections may
// share a (user, room) pair. All I/O happens outside the lock.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	users map[string]map[*Client]struct{}
	total int
	max   int
}

func NewRegistry(maxConns int) *Registry {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Registry{
		rooms: make(map[string]map[*Client]struct{}),
		users: make(map[string]map[*Client]struct{}),
		max:   maxConns,
	}
}

func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total >= r.max {
		return ErrTooManyConnections
	}
	if _, ok := r.rooms[c.roomID]; !ok {
		r.rooms[c.roomID] = make(map[*Client]struct{})
	}
	if _, ok := r.users[c.user.ID]; !ok {
		r.users[c.user.ID] = make(map[*Client]struct{})
	}
	r.rooms[c.roomID][c] = struct{}{}
	r.users[c.user.ID][c] = struct{}{}
	r.total++
	metrics.WSConnections().Inc()
	return nil
}

// Unregister removes c. removed is false if c was not registered; lastInRoom is true
// when c was the user's last connection to its room.
func (r *Registry) Unregister(c *Client) (removed, lastInRoom bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[c.roomID]
	if !ok {
		return false, false
	}
	if _, exists := room[c]; !exists {
		return false, false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(r.rooms, c.roomID)
	}
	if mine, ok := r.users[c.user.ID]; ok {
		delete(mine, c)
		if len(mine) == 0 {
			delete(r.users, c.user.ID)
		}
	}
	r.total--
	metrics.WSConnections().Dec()

	lastInRoom = true
	for other := range r.rooms[c.roomID] {
		if other.user.ID == c.user.ID {
			lastInRoom = false
			break
		}
	}
	return true, lastInRoom
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

func (r *Registry) collect(set map[*Client]struct{}, keep func(*Client) bool) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		if keep == nil || keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) inRoom(roomID string, keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.rooms[roomID], keep)
}

func (r *Registry) ofUser(userID string, keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.users[userID], keep)
}

// Broadcast sends ev to every connection in the room except excludeConnID.
func (r *Registry) Broadcast(roomID string, ev *model.Event, excludeConnID string) {
	for _, c := range r.inRoom(roomID, func(c *Client) bool { return c.id != excludeConnID }) {
		r.deliver(c, ev)
	}
}

// BroadcastExceptUser sends ev to the room, skipping every connection of userID.
func (r *Registry) BroadcastExceptUser(roomID string, ev *model.Event, userID string) {
	for _, c := range r.inRoom(roomID, func(c *Client) bool { return c.user.ID != userID }) {
		r.deliver(c, ev)
	}
}

// SendToUser sends ev to all of the user's connections, whatever their room.
func (r *Registry) SendToUser(userID string, ev *model.Event) {
	for _, c := range r.ofUser(userID, nil) {
		r.deliver(c, ev)
	}
}

func (r *Registry) Evict(roomID, userID string) {
	for _, c := range r.inRoom(roomID, func(c *Client) bool { return c.user.ID == userID }) {
		c.CloseWith(CloseForbidden, "membership revoked")
	}
}

func (r *Registry) CloseRoom(roomID string) {
	for _, c := range r.inRoom(roomID, nil) {
		c.CloseWith(CloseRoomNotFound, "room deleted")
	}
}

func (r *Registry) CloseSession(tokenID string) {
	r.mu.RLock()
	var targets []*Client
	for _, set := range r.users {
		targets = append(targets, r.collect(set, func(c *Client) bool { return c.tokenID == tokenID })...)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		c.CloseWith(CloseUnauthorized, "session ended")
	}
}

func (r *Registry) Connected(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.rooms[roomID] {
		if c.user.ID == userID {
			return true
		}
	}
	return false
}

// drain empties the registry and returns what it held.
func (r *Registry) drain() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Client, 0, r.total)
	for _, set := range r.rooms {
		for c := range set {
			all = append(all, c)
		}
	}
	metrics.WSConnections().Sub(float64(r.total))
	r.rooms = make(map[string]map[*Client]struct{})
	r.users = make(map[string]map[*Client]struct{})
	r.total = 0
	return all
}

func (r *Registry) deliver(c *Client, ev *model.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s room=%s", c.user.ID, c.roomID)
		metrics.WSDropped().Inc()
		c.CloseWith(CloseTooSlow, "too slow")
	}
}
