package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/chat"
	"github.com/innova-app/teamcollab/internal/ratelimit"
	"github.com/innova-app/teamcollab/internal/user"
)

// --- fakes ---

type fakeVerifier map[string]*auth.User

func (f fakeVerifier) Verify(token string) (*auth.User, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return nil, auth.ErrInvalidToken
}

type fakeMembers map[string]map[string]bool

func (f fakeMembers) IsMember(_ context.Context, teamID, userID string) (bool, error) {
	return f[teamID][userID], nil
}

// fakeSender stores nothing but announces new-message the way the message
// service does.
type fakeSender struct {
	hub *Hub
	mu  sync.Mutex
	seq int64
	err error
}

func (f *fakeSender) SendMessage(ctx context.Context, teamID, senderID string, in chat.SendInput) (*chat.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.seq++
	m := &chat.Message{
		ID:        fmt.Sprintf("msg-%d", f.seq),
		TeamID:    teamID,
		Seq:       f.seq,
		Sender:    user.Brief{ID: senderID, Name: strings.ToUpper(senderID)},
		Content:   in.Content,
		Type:      chat.TypeText,
		CreatedAt: time.Now().UTC(),
	}
	f.mu.Unlock()
	if err := f.hub.Broadcast(ctx, teamID, chat.EventNewMessage, m); err != nil {
		return nil, err
	}
	return m, nil
}

// --- harness ---

type harness struct {
	srv    *httptest.Server
	hub    *Hub
	sender *fakeSender
}

func newHarness(t *testing.T, limiter *ratelimit.Limiter) *harness {
	t.Helper()
	hub, err := NewHub(NewLocalBackplane(), Hooks{})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	sender := &fakeSender{hub: hub}
	h := NewHandler(HandlerDeps{
		Hub: hub,
		Verifier: fakeVerifier{
			"tok-alice": {ID: "alice", Name: "Alice"},
			"tok-bob":   {ID: "bob", Name: "Bob"},
			"tok-carol": {ID: "carol", Name: "Carol"},
		},
		Members: fakeMembers{
			"acme":  {"alice": true, "bob": true},
			"beta":  {"carol": true},
			"gamma": {"carol": true},
		},
		Messages: sender,
		Limiter:  limiter,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &harness{srv: srv, hub: hub, sender: sender}
}

func (h *harness) url(token string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.url(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, _ := json.Marshal(data)
	if err := conn.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func next(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func expect(t *testing.T, conn *websocket.Conn, event string, into any) {
	t.Helper()
	env := next(t, conn)
	if env.Event != event {
		t.Fatalf("expected %s, got %s (%s)", event, env.Event, env.Data)
	}
	if into != nil {
		if err := json.Unmarshal(env.Data, into); err != nil {
			t.Fatalf("decoding %s: %v", event, err)
		}
	}
}

// expectNone leaves conn unreadable afterwards: a timed-out read breaks a
// gorilla connection, so call it last for a given conn.
func expectNone(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var env Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected no frame, got %s (%s)", env.Event, env.Data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// joinBoth puts alice and bob into acme and drains alice's user-joined.
func (h *harness) joinBoth(t *testing.T) (alice, bob *websocket.Conn) {
	t.Helper()
	alice = h.dial(t, "tok-alice")
	bob = h.dial(t, "tok-bob")

	send(t, alice, EventJoinTeam, "acme")
	waitFor(t, "alice in room", func() bool { return h.hub.RoomSize("acme") == 1 })
	send(t, bob, EventJoinTeam, map[string]string{"teamId": "acme"})

	var joined PresencePayload
	expect(t, alice, EventUserJoined, &joined)
	if joined.UserID != "bob" || joined.Timestamp.IsZero() {
		t.Fatalf("unexpected user-joined %+v", joined)
	}
	return alice, bob
}

// --- tests ---

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, nil)

	for _, token := range []string{"", "tok-mallory"} {
		_, resp, err := websocket.DefaultDialer.Dial(h.url(token), nil)
		if err == nil {
			t.Fatalf("token %q: expected handshake failure", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %v", token, resp)
		}
		resp.Body.Close()
	}
	if h.hub.Connections() != 0 {
		t.Errorf("rejected handshakes must not register connections")
	}
}

func TestHandshakeAcceptsBearerHeader(t *testing.T) {
	h := newHarness(t, nil)

	header := http.Header{"Authorization": []string{"Bearer tok-alice"}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.url(""), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer conn.Close()
	waitFor(t, "registration", func() bool { return h.hub.Connections() == 1 })
}

func TestTypingReachesOthersOnly(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)
	carol := h.dial(t, "tok-carol")
	send(t, carol, EventJoinTeam, "beta")
	waitFor(t, "carol in beta", func() bool { return h.hub.RoomSize("beta") == 1 })

	send(t, alice, EventTypingStart, map[string]string{"teamId": "acme", "userName": "Ally"})

	var typing TypingPayload
	expect(t, bob, EventUserTyping, &typing)
	if typing.UserID != "alice" || typing.UserName != "Ally" || typing.TeamID != "acme" {
		t.Errorf("unexpected user-typing %+v", typing)
	}
	expectNone(t, alice)
	expectNone(t, carol)

	send(t, alice, EventTypingStop, map[string]string{"teamId": "acme"})
	expect(t, bob, EventUserStoppedTyping, &typing)
	if typing.UserID != "alice" {
		t.Errorf("unexpected user-stopped-typing %+v", typing)
	}
	expectNone(t, alice)
}

func TestTypingDefaultsToAccountName(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)

	send(t, bob, EventTypingStart, map[string]string{"teamId": "acme"})
	var typing TypingPayload
	expect(t, alice, EventUserTyping, &typing)
	if typing.UserName != "Bob" {
		t.Errorf("expected account name, got %q", typing.UserName)
	}
}

func TestJoinRequiresMembership(t *testing.T) {
	h := newHarness(t, nil)
	carol := h.dial(t, "tok-carol")

	send(t, carol, EventJoinTeam, "acme")
	var ep ErrorPayload
	expect(t, carol, EventError, &ep)
	if ep.Code != "forbidden" || ep.Event != EventJoinTeam {
		t.Errorf("unexpected error payload %+v", ep)
	}
	if h.hub.RoomSize("acme") != 0 {
		t.Error("non-member must not be added to the room")
	}

	send(t, carol, EventJoinTeam, "")
	expect(t, carol, EventError, &ep)
	if ep.Code != "validation_error" {
		t.Errorf("expected validation error, got %+v", ep)
	}
}

func TestEventsRequireJoinedRoom(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)

	send(t, alice, EventLeaveTeam, "acme")
	waitFor(t, "alice left", func() bool { return h.hub.RoomSize("acme") == 1 })

	for _, ev := range []string{EventTypingStart, EventSendMessage} {
		send(t, alice, ev, map[string]string{"teamId": "acme", "content": "hi"})
		var ep ErrorPayload
		expect(t, alice, EventError, &ep)
		if ep.Code != "forbidden" {
			t.Errorf("%s: expected forbidden, got %+v", ev, ep)
		}
	}
	expectNone(t, bob)

	send(t, alice, EventLeaveTeam, "acme")
	expect(t, alice, EventError, nil)
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	h := newHarness(t, nil)
	carol := h.dial(t, "tok-carol")

	send(t, carol, EventJoinTeam, "beta")
	waitFor(t, "carol in beta", func() bool { return h.hub.RoomSize("beta") == 1 })

	send(t, carol, EventJoinTeam, "gamma")
	waitFor(t, "carol moved to gamma", func() bool {
		return h.hub.RoomSize("beta") == 0 && h.hub.RoomSize("gamma") == 1
	})

	// Rejoining the current room is a no-op.
	send(t, carol, EventJoinTeam, "gamma")
	expectNone(t, carol)
	if h.hub.RoomSize("gamma") != 1 {
		t.Errorf("expected one connection in gamma, got %d", h.hub.RoomSize("gamma"))
	}
}

func TestSendMessagePersistsThenBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)

	send(t, alice, EventSendMessage, map[string]string{"teamId": "acme", "content": "hello"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		var m chat.Message
		expect(t, conn, EventNewMessage, &m)
		if m.Content != "hello" || m.Sender.ID != "alice" {
			t.Errorf("unexpected new-message %+v", m)
		}
		var rm ReceiveMessagePayload
		expect(t, conn, EventReceiveMessage, &rm)
		if rm.TeamID != "acme" || rm.Content != "hello" || rm.MessageID != m.ID || rm.Sender.Name != "ALICE" {
			t.Errorf("unexpected receive-message %+v", rm)
		}
	}
}

func TestSendMessageFailureBroadcastsNothing(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)
	h.sender.err = chat.ErrContentRequired

	send(t, alice, EventSendMessage, map[string]string{"teamId": "acme"})

	var ep ErrorPayload
	expect(t, alice, EventError, &ep)
	if ep.Code != "validation_error" || ep.Message != "message content or file is required" {
		t.Errorf("unexpected error payload %+v", ep)
	}
	expectNone(t, bob)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.joinBoth(t)
	h.sender.err = errors.New("pq: connection refused to 10.0.0.5")

	send(t, alice, EventSendMessage, map[string]string{"teamId": "acme", "content": "x"})
	var ep ErrorPayload
	expect(t, alice, EventError, &ep)
	if ep.Code != "internal_error" || strings.Contains(ep.Message, "10.0.0.5") {
		t.Errorf("internal details leaked: %+v", ep)
	}
}

func TestDisconnectAnnouncesStopAndLeave(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)

	send(t, bob, EventTypingStart, map[string]string{"teamId": "acme"})
	expect(t, alice, EventUserTyping, nil)

	bob.Close()

	var typing TypingPayload
	expect(t, alice, EventUserStoppedTyping, &typing)
	if typing.UserID != "bob" {
		t.Errorf("unexpected user-stopped-typing %+v", typing)
	}
	var left PresencePayload
	expect(t, alice, EventUserLeft, &left)
	if left.UserID != "bob" {
		t.Errorf("unexpected user-left %+v", left)
	}
	waitFor(t, "bob removed", func() bool { return h.hub.RoomSize("acme") == 1 })
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial(t, "tok-alice")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	var ep ErrorPayload
	expect(t, alice, EventError, &ep)
	if ep.Code != "validation_error" {
		t.Errorf("expected validation error, got %+v", ep)
	}

	send(t, alice, "dance", nil)
	expect(t, alice, EventError, &ep)
	if ep.Event != "dance" || ep.Message != "unknown event" {
		t.Errorf("unexpected error payload %+v", ep)
	}
}

func TestEventRateLimit(t *testing.T) {
	h := newHarness(t, ratelimit.New(2, time.Minute))
	alice := h.dial(t, "tok-alice")

	send(t, alice, EventJoinTeam, "acme")
	send(t, alice, EventTypingStart, map[string]string{"teamId": "acme"})
	send(t, alice, EventTypingStop, map[string]string{"teamId": "acme"})

	var ep ErrorPayload
	expect(t, alice, EventError, &ep)
	if ep.Code != "rate_limited" || ep.Event != EventTypingStop {
		t.Errorf("expected rate_limited on third event, got %+v", ep)
	}
}

func TestRevokedMemberLeavesRoom(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)

	send(t, bob, EventTypingStart, map[string]string{"teamId": "acme"})
	expect(t, alice, EventUserTyping, nil)

	if err := h.hub.RevokeMembership(context.Background(), "acme", "bob"); err != nil {
		t.Fatalf("RevokeMembership: %v", err)
	}

	var evicted ErrorPayload
	expect(t, bob, EventError, &evicted)
	if evicted.Code != "forbidden" || evicted.TeamID != "acme" {
		t.Errorf("unexpected eviction frame %+v", evicted)
	}
	var typing TypingPayload
	expect(t, alice, EventUserStoppedTyping, &typing)
	if typing.UserID != "bob" {
		t.Errorf("unexpected user-stopped-typing %+v", typing)
	}
	var left PresencePayload
	expect(t, alice, EventUserLeft, &left)
	if left.UserID != "bob" {
		t.Errorf("unexpected user-left %+v", left)
	}
	if got := h.hub.RoomSize("acme"); got != 1 {
		t.Fatalf("expected only alice in acme, got %d", got)
	}

	if err := h.hub.Broadcast(context.Background(), "acme", EventNewMessage, map[string]string{"content": "secret"}); err != nil {
		t.Fatal(err)
	}
	expect(t, alice, EventNewMessage, nil)

	// Had bob still been in the room, new-message would be queued ahead of
	// this error.
	send(t, bob, EventTypingStart, map[string]string{"teamId": "acme"})
	var rejected ErrorPayload
	expect(t, bob, EventError, &rejected)
	if rejected.Event != EventTypingStart || rejected.Code != "forbidden" {
		t.Errorf("unexpected error %+v", rejected)
	}
	expectNone(t, alice)
}

func TestCloseRoomEvictsEveryone(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.joinBoth(t)

	if err := h.hub.CloseRoom(context.Background(), "acme"); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}

	for _, conn := range []*websocket.Conn{alice, bob} {
		var evicted ErrorPayload
		expect(t, conn, EventError, &evicted)
		if evicted.Code != "forbidden" || evicted.TeamID != "acme" {
			t.Errorf("unexpected eviction frame %+v", evicted)
		}
	}
	if got := h.hub.RoomSize("acme"); got != 0 {
		t.Errorf("expected empty room, got %d", got)
	}
	expectNone(t, alice)
}
