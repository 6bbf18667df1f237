package activity

import "time"

// Kind names what happened in a team.
type Kind string

const (
	KindTeamCreated   Kind = "team_created"
	KindMemberInvited Kind = "member_invited"
	KindMemberJoined  Kind = "member_joined"
	KindMemberRemoved Kind = "member_removed"
	KindFileUploaded  Kind = "file_uploaded"
	KindMessageSent   Kind = "message_sent"
)

// Event is one entry of a team's activity log.
type Event struct {
	ID         int64          `json:"id"`
	TeamID     string         `json:"teamId"`
	UserID     string         `json:"userId"`
	Kind       Kind           `json:"kind"`
	Detail     map[string]any `json:"detail"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// ListParams selects a page of a team's activity, newest first.
type ListParams struct {
	TeamID string
	Cursor string
	Limit  int
}
