package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/chat"
	"github.com/innova-app/teamcollab/internal/file"
	"github.com/innova-app/teamcollab/internal/user"
)

// Client to server events.
const (
	EventJoinTeam    = "join-team"
	EventLeaveTeam   = "leave-team"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
	EventSendMessage = "send-message"
)

// Server to client events.
const (
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventNewMessage        = chat.EventNewMessage
	EventNewFile           = file.EventNewFile
	EventReceiveMessage    = "receive-message"
	EventError             = "error"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PresencePayload is sent with user-joined and user-left.
type PresencePayload struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingPayload is sent with user-typing and user-stopped-typing.
type TypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	TeamID   string `json:"teamId"`
}

// ReceiveMessagePayload is the legacy frame emitted after a socket send
// has been stored.
type ReceiveMessagePayload struct {
	MessageID string     `json:"messageId"`
	TeamID    string     `json:"teamId"`
	Content   string     `json:"content"`
	Type      chat.Type  `json:"type"`
	FileURL   string     `json:"fileUrl,omitempty"`
	FileName  string     `json:"fileName,omitempty"`
	Sender    user.Brief `json:"sender"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorPayload reports a failed client event. The connection stays open.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	TeamID  string `json:"teamId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type teamRef struct {
	TeamID string `json:"teamId"`
}

type typingRequest struct {
	TeamID   string `json:"teamId"`
	UserName string `json:"userName"`
}

type sendRequest struct {
	TeamID   string    `json:"teamId"`
	Content  string    `json:"content"`
	Type     chat.Type `json:"type"`
	FileURL  string    `json:"fileUrl"`
	FileName string    `json:"fileName"`
}

var (
	errMalformed    = apperr.Validation("malformed event frame")
	errUnknownEvent = apperr.Validation("unknown event")
	errTeamRequired = apperr.Validation("teamId is required")
	errNotJoined    = apperr.New(apperr.KindForbidden, "join the team before sending events to it")
	errNotMember    = apperr.New(apperr.KindForbidden, "access denied: not a team member")
	errRateLimited  = apperr.New("rate_limited", "too many events, slow down")
	errRevoked      = apperr.New(apperr.KindForbidden, "you are no longer a member of this team")
	errTeamDeleted  = apperr.New(apperr.KindForbidden, "this team has been deleted")
)

// parseTeamID accepts either a bare JSON string or an object with teamId.
func parseTeamID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		var ref teamRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return "", errMalformed
		}
		id = ref.TeamID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errTeamRequired
	}
	return id, nil
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
