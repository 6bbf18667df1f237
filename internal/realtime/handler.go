package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/chat"
	"github.com/innova-app/teamcollab/internal/ratelimit"
)

// Membership is the capability check shared with the REST layer.
type Membership interface {
	IsMember(ctx context.Context, teamID, userID string) (bool, error)
}

// MessageSender stores a message and announces it to the room.
type MessageSender interface {
	SendMessage(ctx context.Context, teamID, senderID string, in chat.SendInput) (*chat.Message, error)
}

// Options tunes connection handling.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	EventTimeout   time.Duration
	AllowedOrigins []string
}

func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = 10 * time.Second
	}
	return o
}

// HandlerDeps holds the collaborators of Handler. Limiter is optional.
type HandlerDeps struct {
	Hub      *Hub
	Verifier auth.Verifier
	Members  Membership
	Messages MessageSender
	Limiter  *ratelimit.Limiter
	Options  Options
}

// Handler upgrades authenticated requests to websocket connections and
// dispatches their events.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	members  Membership
	messages MessageSender
	limiter  *ratelimit.Limiter
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a realtime handler.
func NewHandler(deps HandlerDeps) *Handler {
	opts := deps.Options.withDefaults()
	h := &Handler{
		hub:      deps.Hub,
		verifier: deps.Verifier,
		members:  deps.Members,
		messages: deps.Messages,
		limiter:  deps.Limiter,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the handshake, upgrades the connection and runs
// it until it closes. A missing or invalid credential is rejected with 401
// before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractConnectToken(r)
	if token == "" {
		rejectHandshake(w, "missing token")
		return
	}
	u, err := h.verifier.Verify(token)
	if err != nil {
		rejectHandshake(w, "invalid or expired token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already replied
	}

	c := newClient(uuid.NewString(), u, conn, h.opts.SendBuffer)
	h.hub.register(c)
	slog.Debug("realtime connected", "conn_id", c.id, "user_id", u.ID)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go c.writePump(h.opts)
	c.readLoop(h.opts, func(msg []byte) { h.handle(ctx, c, msg) })

	c.close()
	h.disconnect(ctx, c)
}

func rejectHandshake(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": ErrorPayload{Code: string(apperr.KindAuthentication), Message: message},
	})
}

func (h *Handler) disconnect(ctx context.Context, c *Client) {
	teamID, typing := h.hub.unregister(c)
	if h.limiter != nil {
		h.limiter.Forget(c.id)
	}
	slog.Debug("realtime disconnected", "conn_id", c.id, "user_id", c.user.ID, "team_id", teamID)
	if teamID == "" {
		return
	}

	if typing {
		h.publish(ctx, teamID, c.id, EventUserStoppedTyping, TypingPayload{UserID: c.user.ID, TeamID: teamID})
	}
	h.publish(ctx, teamID, c.id, EventUserLeft, PresencePayload{UserID: c.user.ID, Timestamp: time.Now().UTC()})
}

func (h *Handler) handle(ctx context.Context, c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
		h.emitError(c, "", errMalformed)
		return
	}
	if h.hub.hooks.OnEvent != nil {
		h.hub.hooks.OnEvent(env.Event)
	}

	if h.limiter != nil && !h.limiter.Allow(c.id) {
		if h.hub.hooks.OnRateLimited != nil {
			h.hub.hooks.OnRateLimited()
		}
		h.emitError(c, env.Event, errRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.EventTimeout)
	defer cancel()

	var err error
	switch env.Event {
	case EventJoinTeam:
		err = h.joinTeam(ctx, c, env.Data)
	case EventLeaveTeam:
		err = h.leaveTeam(c, env.Data)
	case EventTypingStart:
		err = h.typing(ctx, c, env.Data, true)
	case EventTypingStop:
		err = h.typing(ctx, c, env.Data, false)
	case EventSendMessage:
		err = h.sendMessage(ctx, c, env.Data)
	default:
		err = errUnknownEvent
	}
	if err != nil {
		h.emitError(c, env.Event, err)
	}
}

func (h *Handler) joinTeam(ctx context.Context, c *Client, data json.RawMessage) error {
	teamID, err := parseTeamID(data)
	if err != nil {
		return err
	}

	ok, err := h.members.IsMember(ctx, teamID, c.user.ID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotMember
	}

	if previous := h.hub.join(c, teamID); previous == teamID {
		return nil
	}
	slog.Info("realtime joined team", "conn_id", c.id, "user_id", c.user.ID, "team_id", teamID)
	h.publish(ctx, teamID, c.id, EventUserJoined, PresencePayload{UserID: c.user.ID, Timestamp: time.Now().UTC()})
	return nil
}

func (h *Handler) leaveTeam(c *Client, data json.RawMessage) error {
	teamID, err := parseTeamID(data)
	if err != nil {
		return err
	}
	if !h.hub.leave(c, teamID) {
		return errNotJoined
	}
	slog.Debug("realtime left team", "conn_id", c.id, "user_id", c.user.ID, "team_id", teamID)
	return nil
}

func (h *Handler) typing(ctx context.Context, c *Client, data json.RawMessage, start bool) error {
	var req typingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errMalformed
	}
	if req.TeamID == "" {
		return errTeamRequired
	}
	if !h.hub.setTyping(c, req.TeamID, start) {
		return errNotJoined
	}

	if !start {
		h.publish(ctx, req.TeamID, c.id, EventUserStoppedTyping, TypingPayload{UserID: c.user.ID, TeamID: req.TeamID})
		return nil
	}
	name := strings.TrimSpace(req.UserName)
	if name == "" {
		name = c.user.Name
	}
	h.publish(ctx, req.TeamID, c.id, EventUserTyping, TypingPayload{UserID: c.user.ID, UserName: name, TeamID: req.TeamID})
	return nil
}

// sendMessage stores the message through the message service, which
// announces new-message; receive-message follows for older clients.
func (h *Handler) sendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req sendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errMalformed
	}
	if req.TeamID == "" {
		return errTeamRequired
	}
	if h.hub.room(c) != req.TeamID {
		return errNotJoined
	}

	m, err := h.messages.SendMessage(ctx, req.TeamID, c.user.ID, chat.SendInput{
		Content:  req.Content,
		Type:     req.Type,
		FileURL:  req.FileURL,
		FileName: req.FileName,
	})
	if err != nil {
		return err
	}

	h.publish(ctx, m.TeamID, "", EventReceiveMessage, ReceiveMessagePayload{
		MessageID: m.ID,
		TeamID:    m.TeamID,
		Content:   m.Content,
		Type:      m.Type,
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		Sender:    m.Sender,
		Timestamp: m.CreatedAt,
	})
	return nil
}

func (h *Handler) publish(ctx context.Context, teamID, except, event string, data any) {
	if err := h.hub.publish(ctx, teamID, except, event, data); err != nil {
		slog.Warn("realtime broadcast failed", "team_id", teamID, "event", event, "error", err)
	}
}

func (h *Handler) emitError(c *Client, event string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		slog.Error("realtime event failed", "conn_id", c.id, "event", event, "error", err)
	}
	payload, encErr := encode(EventError, ErrorPayload{
		Event:   event,
		Code:    string(kind),
		Message: apperr.MessageOf(err),
	})
	if encErr != nil {
		return
	}
	if !c.enqueue(payload) {
		c.close()
	}
}
