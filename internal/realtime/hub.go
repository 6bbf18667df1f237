package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/innova-app/teamcollab/internal/apperr"
)

// presenceTimeout bounds the user-left broadcast that follows an eviction.
const presenceTimeout = 5 * time.Second

// Hooks observe hub activity. Every field is optional.
type Hooks struct {
	OnConnect     func()
	OnDisconnect  func()
	OnEvent       func(event string)
	OnBroadcast   func(event string)
	OnDrop        func()
	OnRateLimited func()
}

// Hub tracks which local connections are joined to which team room. Room
// membership is process-local; broadcasts travel through the backplane so
// every process delivers them to its own connections.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}

	backplane Backplane
	hooks     Hooks
}

// NewHub creates a hub and subscribes it to the backplane.
func NewHub(bp Backplane, hooks Hooks) (*Hub, error) {
	h := &Hub{
		rooms:     make(map[string]map[*Client]struct{}),
		clients:   make(map[*Client]struct{}),
		backplane: bp,
		hooks:     hooks,
	}
	if err := bp.Subscribe(h.deliver); err != nil {
		return nil, fmt.Errorf("subscribing hub to backplane: %w", err)
	}
	return h, nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.hooks.OnConnect != nil {
		h.hooks.OnConnect()
	}
}

// unregister removes c from the hub and returns the room it was in, if
// any, and whether it was typing there.
func (h *Hub) unregister(c *Client) (teamID string, typing bool) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return "", false
	}
	delete(h.clients, c)
	teamID, typing = h.leaveLocked(c)
	h.mu.Unlock()

	if h.hooks.OnDisconnect != nil {
		h.hooks.OnDisconnect()
	}
	return teamID, typing
}

// join moves c into teamID's room, leaving any previous room first.
func (h *Hub) join(c *Client, teamID string) (previous string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.teamID == teamID {
		return teamID
	}
	previous, _ = h.leaveLocked(c)

	room := h.rooms[teamID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[teamID] = room
	}
	room[c] = struct{}{}
	c.teamID = teamID
	return previous
}

// leave removes c from teamID's room. It reports false when c was not
// joined to that room.
func (h *Hub) leave(c *Client, teamID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.teamID != teamID {
		return false
	}
	h.leaveLocked(c)
	return true
}

func (h *Hub) leaveLocked(c *Client) (teamID string, typing bool) {
	teamID, typing = c.teamID, c.typing
	if teamID == "" {
		return "", false
	}
	if room := h.rooms[teamID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, teamID)
		}
	}
	c.teamID, c.typing = "", false
	return teamID, typing
}

// room returns the team c is joined to.
func (h *Hub) room(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.teamID
}

// setTyping records c's typing state when it is joined to teamID.
func (h *Hub) setTyping(c *Client, teamID string, typing bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.teamID != teamID {
		return false
	}
	c.typing = typing
	return true
}

// Broadcast sends an event to every connection joined to teamID on any
// process.
func (h *Hub) Broadcast(ctx context.Context, teamID, event string, data any) error {
	return h.publish(ctx, teamID, "", event, data)
}

func (h *Hub) publish(ctx context.Context, teamID, except, event string, data any) error {
	payload, err := encode(event, data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	if h.hooks.OnBroadcast != nil {
		h.hooks.OnBroadcast(event)
	}
	return h.backplane.Publish(ctx, Frame{TeamID: teamID, Except: except, Payload: payload})
}

// RevokeMembership removes userID's connections from teamID's room on
// every process. They receive an error frame and stay connected.
func (h *Hub) RevokeMembership(ctx context.Context, teamID, userID string) error {
	return h.evict(ctx, teamID, userID, errRevoked)
}

// CloseRoom removes every connection from teamID's room on every process.
func (h *Hub) CloseRoom(ctx context.Context, teamID string) error {
	return h.evict(ctx, teamID, "", errTeamDeleted)
}

func (h *Hub) evict(ctx context.Context, teamID, userID string, reason error) error {
	payload, err := encode(EventError, ErrorPayload{
		TeamID:  teamID,
		Code:    string(apperr.KindOf(reason)),
		Message: apperr.MessageOf(reason),
	})
	if err != nil {
		return fmt.Errorf("encoding eviction: %w", err)
	}
	return h.backplane.Publish(ctx, Frame{TeamID: teamID, Payload: payload, Evict: &Eviction{UserID: userID}})
}

// deliver hands a frame to the local members of its room. Connections
// whose send buffer is full are dropped.
func (h *Hub) deliver(f Frame) {
	if f.Evict != nil {
		h.evictLocal(f)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.rooms[f.TeamID] {
		if c.id == f.Except {
			continue
		}
		if !c.enqueue(f.Payload) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.hooks.OnDrop != nil {
			h.hooks.OnDrop()
		}
		go c.close()
	}
}

// evictLocal removes the local connections an eviction frame selects. When
// a single user is evicted the rest of the room sees them stop typing and
// leave.
func (h *Hub) evictLocal(f Frame) {
	type evicted struct {
		c      *Client
		typing bool
	}

	h.mu.Lock()
	var out []evicted
	for c := range h.rooms[f.TeamID] {
		if f.Evict.UserID != "" && c.user.ID != f.Evict.UserID {
			continue
		}
		_, typing := h.leaveLocked(c)
		out = append(out, evicted{c: c, typing: typing})
	}
	h.mu.Unlock()

	for _, e := range out {
		slog.Info("realtime evicted from team", "conn_id", e.c.id, "user_id", e.c.user.ID, "team_id", f.TeamID)
		if !e.c.enqueue(f.Payload) {
			if h.hooks.OnDrop != nil {
				h.hooks.OnDrop()
			}
			go e.c.close()
		}
	}
	if f.Evict.UserID == "" || len(out) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	for _, e := range out {
		if e.typing {
			h.publishPresence(ctx, f.TeamID, EventUserStoppedTyping, TypingPayload{UserID: e.c.user.ID, TeamID: f.TeamID})
		}
		h.publishPresence(ctx, f.TeamID, EventUserLeft, PresencePayload{UserID: e.c.user.ID, Timestamp: time.Now().UTC()})
	}
}

func (h *Hub) publishPresence(ctx context.Context, teamID, event string, data any) {
	if err := h.publish(ctx, teamID, "", event, data); err != nil {
		slog.Warn("realtime broadcast failed", "team_id", teamID, "event", event, "error", err)
	}
}

// RoomSize returns the number of local connections joined to teamID.
func (h *Hub) RoomSize(teamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[teamID])
}

// Connections returns the number of local connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every local connection. Hijacked websocket connections
// are not closed by http.Server.Shutdown.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
