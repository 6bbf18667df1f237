package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/chat"
)

// ChatService is the message surface used by the chat handlers.
type ChatService interface {
	SendMessage(ctx context.Context, teamID, senderID string, in chat.SendInput) (*chat.Message, error)
	GetHistory(ctx context.Context, teamID, requesterID string, p chat.HistoryParams) ([]*chat.Message, error)
}

type chatHandler struct {
	chat ChatService
}

func newChatHandler(svc ChatService) *chatHandler {
	return &chatHandler{chat: svc}
}

// sendMessageRequest is the body of POST /chat/{teamId}/messages. A client
// supplied sender is ignored; the authenticated user always sends.
type sendMessageRequest struct {
	Content  string    `json:"content"`
	Type     chat.Type `json:"type" validate:"omitempty,oneof=text image video"`
	FileURL  string    `json:"fileUrl" validate:"omitempty,max=2048"`
	FileName string    `json:"fileName" validate:"omitempty,max=255"`
}

// History handles GET /chat/{teamId}/messages?after=&limit=.
func (h *chatHandler) History(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())

	var p chat.HistoryParams
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeAppError(w, r, apperr.Validation("after must be a non-negative integer"))
			return
		}
		p.After = after
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	p.Limit = limit

	msgs, err := h.chat.GetHistory(r.Context(), chi.URLParam(r, "teamId"), u.ID, p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Send handles POST /chat/{teamId}/messages.
func (h *chatHandler) Send(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	teamID := chi.URLParam(r, "teamId")

	var req sendMessageRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	m, err := h.chat.SendMessage(r.Context(), teamID, u.ID, chat.SendInput{
		Content:  req.Content,
		Type:     req.Type,
		FileURL:  req.FileURL,
		FileName: req.FileName,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "send", "message", m.ID, "team_id", teamID, "type", string(m.Type))
	writeJSON(w, http.StatusOK, m)
}
