package team

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/innova-app/teamcollab/internal/activity"
	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/mail"
	"github.com/innova-app/teamcollab/internal/user"
)

// --- in-memory collaborators ---

type memUsers struct {
	users map[string]*user.User
}

func (m *memUsers) GetByID(_ context.Context, id string) (*user.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

// memRepo mirrors Store semantics; one mutex stands in for the row locks.
type memRepo struct {
	mu    sync.Mutex
	users *memUsers
	teams map[string]*Team
	seq   int
	clock time.Time
}

func newMemRepo(users *memUsers) *memRepo {
	return &memRepo{users: users, teams: make(map[string]*Team), clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) brief(id string) user.Brief {
	return r.users.users[id].Brief()
}

func (r *memRepo) copyTeam(t *Team) *Team {
	cp := *t
	cp.Members = append([]Member(nil), t.Members...)
	cp.Invitations = append([]Invitation(nil), t.Invitations...)
	return &cp
}

func (r *memRepo) Create(_ context.Context, name, description, ownerID string) (*Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	now := r.tick()
	t := &Team{
		ID:          fmt.Sprintf("team-%d", r.seq),
		Name:        name,
		Description: description,
		Owner:       r.brief(ownerID),
		Members:     []Member{{User: r.brief(ownerID), Role: RoleOwner, JoinedAt: now}},
		Invitations: []Invitation{},
		CreatedAt:   now,
	}
	r.teams[t.ID] = t
	r.users.users[ownerID].Teams = append(r.users.users[ownerID].Teams, t.ID)
	return r.copyTeam(t), nil
}

func (r *memRepo) Get(_ context.Context, teamID string) (*Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[teamID]
	if !ok {
		return nil, ErrTeamNotFound
	}
	return r.copyTeam(t), nil
}

func (r *memRepo) ListForUser(_ context.Context, userID string) ([]*Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Team
	for _, t := range r.teams {
		if t.RoleOf(userID) != "" {
			out = append(out, r.copyTeam(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) MemberRole(_ context.Context, teamID, userID string) (Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[teamID]
	if !ok {
		return "", ErrTeamNotFound
	}
	return t.RoleOf(userID), nil
}

func (r *memRepo) CreateInvitation(_ context.Context, teamID, email, invitedBy, tokenHash string) (*Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[teamID]
	if !ok {
		return nil, ErrTeamNotFound
	}
	for _, m := range t.Members {
		if m.User.Email == email {
			return nil, ErrAlreadyMember
		}
	}
	for _, inv := range t.Invitations {
		if inv.Email == email && inv.Status == InvitationPending {
			return nil, ErrAlreadyInvited
		}
	}
	r.seq++
	inv := Invitation{
		ID:        fmt.Sprintf("inv-%d", r.seq),
		TeamID:    teamID,
		Email:     email,
		InvitedBy: invitedBy,
		TokenHash: tokenHash,
		Status:    InvitationPending,
		InvitedAt: r.tick(),
	}
	t.Invitations = append(t.Invitations, inv)
	return &inv, nil
}

func (r *memRepo) AcceptInvitation(_ context.Context, tokenHash, userID, email string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.teams {
		for i, inv := range t.Invitations {
			if inv.TokenHash != tokenHash || inv.Status != InvitationPending {
				continue
			}
			if !strings.EqualFold(inv.Email, email) {
				return "", ErrEmailMismatch
			}
			if t.RoleOf(userID) != "" {
				return "", ErrAlreadyMember
			}
			t.Members = append(t.Members, Member{User: r.brief(userID), Role: RoleMember, JoinedAt: r.tick()})
			t.Invitations[i].Status = InvitationAccepted
			r.users.users[userID].Teams = append(r.users.users[userID].Teams, t.ID)
			return t.ID, nil
		}
	}
	return "", ErrInvitationNotFound
}

func (r *memRepo) RemoveMember(_ context.Context, teamID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[teamID]
	if !ok {
		return ErrMemberNotFound
	}
	for i, m := range t.Members {
		if m.User.ID == userID && m.Role != RoleOwner {
			t.Members = append(t.Members[:i], t.Members[i+1:]...)
			r.users.users[userID].Teams = without(r.users.users[userID].Teams, teamID)
			return nil
		}
	}
	return ErrMemberNotFound
}

func (r *memRepo) Delete(_ context.Context, teamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	for _, m := range t.Members {
		r.users.users[m.User.ID].Teams = without(r.users.users[m.User.ID].Teams, teamID)
	}
	delete(r.teams, teamID)
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Invite
	err  error
}

func (f *fakeMailer) SendInvite(_ context.Context, msg mail.Invite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []activity.Event
}

func (f *fakeRecorder) Record(e activity.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeRecorder) kinds() []activity.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []activity.Kind
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeRooms struct {
	mu      sync.Mutex
	revoked []string
	closed  []string
	err     error
}

func (f *fakeRooms) RevokeMembership(_ context.Context, teamID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, teamID+"/"+userID)
	return f.err
}

func (f *fakeRooms) CloseRoom(_ context.Context, teamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, teamID)
	return f.err
}

// --- fixture ---

type fixture struct {
	svc      *Service
	repo     *memRepo
	users    *memUsers
	mailer   *fakeMailer
	recorder *fakeRecorder
	rooms    *fakeRooms
	mailFail int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := &memUsers{users: map[string]*user.User{
		"alice": {ID: "alice", Email: "a@x.com", Name: "Alice", Teams: []string{}},
		"bob":   {ID: "bob", Email: "b@x.com", Name: "Bob", Teams: []string{}},
		"carol": {ID: "carol", Email: "c@x.com", Name: "Carol", Teams: []string{}},
		"dave":  {ID: "dave", Email: "d@x.com", Name: "Dave", Teams: []string{}},
	}}
	f := &fixture{
		repo:     newMemRepo(users),
		users:    users,
		mailer:   &fakeMailer{},
		recorder: &fakeRecorder{},
		rooms:    &fakeRooms{},
	}
	f.svc = NewService(ServiceDeps{
		Repo:          f.repo,
		Users:         users,
		Mailer:        f.mailer,
		Activity:      f.recorder,
		Rooms:         f.rooms,
		ClientURL:     "https://app.example.com/",
		OnMailFailure: func() { f.mailFail++ },
	})
	return f
}

func (f *fixture) createTeam(t *testing.T, owner, name string) *Team {
	t.Helper()
	team, err := f.svc.CreateTeam(context.Background(), owner, CreateTeamInput{Name: name})
	if err != nil {
		t.Fatalf("CreateTeam() error: %v", err)
	}
	return team
}

func (f *fixture) join(t *testing.T, teamID, inviter, invitee string) {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.InviteMember(ctx, teamID, inviter, f.users.users[invitee].Email)
	if err != nil {
		t.Fatalf("InviteMember() error: %v", err)
	}
	if _, err := f.svc.AcceptInvite(ctx, res.Token, invitee); err != nil {
		t.Fatalf("AcceptInvite() error: %v", err)
	}
}

func assertSingleOwner(t *testing.T, team *Team) {
	t.Helper()
	owners := 0
	for _, m := range team.Members {
		if m.Role == RoleOwner {
			owners++
			if m.User.ID != team.Owner.ID {
				t.Errorf("owner entry %q does not match team owner %q", m.User.ID, team.Owner.ID)
			}
		}
	}
	if owners != 1 {
		t.Errorf("expected exactly one owner entry, got %d", owners)
	}
}

func assertKind(t *testing.T, err error, want apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := apperr.KindOf(err); got != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, got, err)
	}
}

// --- tests ---

func TestCreateTeam(t *testing.T) {
	f := newFixture(t)

	team := f.createTeam(t, "alice", "  Acme  ")
	if team.Name != "Acme" {
		t.Errorf("expected trimmed name Acme, got %q", team.Name)
	}
	if len(team.Members) != 1 || team.Members[0].Role != RoleOwner || team.Members[0].User.ID != "alice" {
		t.Errorf("expected single owner member, got %+v", team.Members)
	}
	assertSingleOwner(t, team)

	if got := f.users.users["alice"].Teams; len(got) != 1 || got[0] != team.ID {
		t.Errorf("expected owner side index [%s], got %v", team.ID, got)
	}

	_, err := f.svc.CreateTeam(context.Background(), "alice", CreateTeamInput{Name: "   "})
	assertKind(t, err, apperr.KindValidation)
}

func TestInviteAndAcceptScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")

	res, err := f.svc.InviteMember(ctx, team.ID, "alice", "B@X.com")
	if err != nil {
		t.Fatalf("InviteMember() error: %v", err)
	}
	if len(res.Token) != 64 {
		t.Errorf("expected 64-char token, got %d", len(res.Token))
	}
	if res.InviteLink != "https://app.example.com/accept-invite/"+res.Token {
		t.Errorf("unexpected invite link %q", res.InviteLink)
	}
	if res.Invitation.Email != "b@x.com" {
		t.Errorf("expected lower-cased email, got %q", res.Invitation.Email)
	}
	if res.Invitation.TokenHash != auth.HashToken(res.Token) {
		t.Error("only the token hash should be stored")
	}
	if len(f.mailer.sent) != 1 || f.mailer.sent[0].Link != res.InviteLink || f.mailer.sent[0].InviterName != "Alice" {
		t.Errorf("unexpected email dispatch %+v", f.mailer.sent)
	}

	joined, err := f.svc.AcceptInvite(ctx, res.Token, "bob")
	if err != nil {
		t.Fatalf("AcceptInvite() error: %v", err)
	}
	if len(joined.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(joined.Members))
	}
	if joined.Members[1].User.ID != "bob" || joined.Members[1].Role != RoleMember {
		t.Errorf("expected bob appended as member, got %+v", joined.Members[1])
	}
	if joined.Invitations[0].Status != InvitationAccepted {
		t.Errorf("expected invitation accepted, got %s", joined.Invitations[0].Status)
	}
	assertSingleOwner(t, joined)

	_, err = f.svc.AcceptInvite(ctx, res.Token, "bob")
	assertKind(t, err, apperr.KindNotFound)

	after, _ := f.svc.GetTeam(ctx, team.ID, "alice")
	if len(after.Members) != 2 {
		t.Errorf("membership count changed after second accept: %d", len(after.Members))
	}

	want := []activity.Kind{activity.KindTeamCreated, activity.KindMemberInvited, activity.KindMemberJoined}
	if got := f.recorder.kinds(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected activity %v, got %v", want, got)
	}
}

func TestInviteMemberErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")
	f.join(t, team.ID, "alice", "bob")
	if _, err := f.svc.InviteMember(ctx, team.ID, "alice", "c@x.com"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		teamID    string
		requester string
		email     string
		want      apperr.Kind
	}{
		{"missing team", "nope", "alice", "z@x.com", apperr.KindNotFound},
		{"invalid email", team.ID, "alice", "not-an-email", apperr.KindValidation},
		{"empty email", team.ID, "alice", "  ", apperr.KindValidation},
		{"already member", team.ID, "alice", "B@x.com", apperr.KindConflict},
		{"owner email", team.ID, "bob", "a@x.com", apperr.KindConflict},
		{"already pending", team.ID, "bob", "c@x.com", apperr.KindConflict},
		{"non-member requester", team.ID, "dave", "z@x.com", apperr.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.InviteMember(ctx, tt.teamID, tt.requester, tt.email)
			assertKind(t, err, tt.want)
		})
	}
}

func TestInviteMember_EmailFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")
	team := f.createTeam(t, "alice", "Acme")

	res, err := f.svc.InviteMember(context.Background(), team.ID, "alice", "b@x.com")
	if err != nil {
		t.Fatalf("email failure must not fail the invite: %v", err)
	}
	if f.mailFail != 1 {
		t.Errorf("expected mail failure hook once, got %d", f.mailFail)
	}
	if _, err := f.svc.AcceptInvite(context.Background(), res.Token, "bob"); err != nil {
		t.Errorf("token must remain usable after email failure: %v", err)
	}
}

func TestAcceptInviteErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")
	res, err := f.svc.InviteMember(ctx, team.ID, "alice", "b@x.com")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.AcceptInvite(ctx, "unknown-token", "bob")
	assertKind(t, err, apperr.KindNotFound)

	_, err = f.svc.AcceptInvite(ctx, "", "bob")
	assertKind(t, err, apperr.KindNotFound)

	_, err = f.svc.AcceptInvite(ctx, res.Token, "carol")
	assertKind(t, err, apperr.KindForbidden)

	// The mismatch did not consume the invitation.
	if _, err := f.svc.AcceptInvite(ctx, res.Token, "bob"); err != nil {
		t.Fatalf("expected bob to accept after carol's attempt: %v", err)
	}
}

func TestAcceptInvite_AlreadyMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")
	f.join(t, team.ID, "alice", "bob")

	// Bob leaves and rejoins, then a stale pending invitation for him is
	// accepted.
	if err := f.svc.RemoveMember(ctx, team.ID, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	first, err := f.svc.InviteMember(ctx, team.ID, "alice", "b@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AcceptInvite(ctx, first.Token, "bob"); err != nil {
		t.Fatal(err)
	}

	r := f.repo
	r.mu.Lock()
	r.teams[team.ID].Invitations = append(r.teams[team.ID].Invitations, Invitation{
		ID: "manual", TeamID: team.ID, Email: "b@x.com", TokenHash: auth.HashToken("manual-token"), Status: InvitationPending,
	})
	r.mu.Unlock()

	_, err = f.svc.AcceptInvite(ctx, "manual-token", "bob")
	assertKind(t, err, apperr.KindConflict)
}

func TestAcceptInvite_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")
	res, err := f.svc.InviteMember(ctx, team.ID, "alice", "b@x.com")
	if err != nil {
		t.Fatal(err)
	}

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.AcceptInvite(ctx, res.Token, "bob"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful accept, got %d", successes)
	}
	got, _ := f.svc.GetTeam(ctx, team.ID, "alice")
	if len(got.Members) != 2 {
		t.Errorf("expected 2 members, got %d", len(got.Members))
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")
	f.join(t, team.ID, "alice", "bob")
	f.join(t, team.ID, "alice", "carol")

	// Promote carol to admin directly in the fake.
	f.repo.mu.Lock()
	for i := range f.repo.teams[team.ID].Members {
		if f.repo.teams[team.ID].Members[i].User.ID == "carol" {
			f.repo.teams[team.ID].Members[i].Role = RoleAdmin
		}
	}
	f.repo.mu.Unlock()

	tests := []struct {
		name      string
		requester string
		target    string
		want      apperr.Kind
	}{
		{"member cannot remove", "bob", "carol", apperr.KindForbidden},
		{"outsider cannot remove", "dave", "bob", apperr.KindForbidden},
		{"owner cannot remove self", "alice", "alice", apperr.KindValidation},
		{"admin cannot remove owner", "carol", "alice", apperr.KindValidation},
		{"member cannot remove owner", "bob", "alice", apperr.KindForbidden},
		{"target not a member", "alice", "dave", apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.RemoveMember(ctx, team.ID, tt.requester, tt.target)
			assertKind(t, err, tt.want)
		})
	}

	err := f.svc.RemoveMember(ctx, "missing", "alice", "bob")
	assertKind(t, err, apperr.KindNotFound)

	if err := f.svc.RemoveMember(ctx, team.ID, "carol", "bob"); err != nil {
		t.Fatalf("admin should remove member: %v", err)
	}
	got, _ := f.svc.GetTeam(ctx, team.ID, "alice")
	if got.RoleOf("bob") != "" {
		t.Error("bob should no longer be a member")
	}
	assertSingleOwner(t, got)
	if len(f.users.users["bob"].Teams) != 0 {
		t.Errorf("expected bob's side index emptied, got %v", f.users.users["bob"].Teams)
	}
	if want := []string{team.ID + "/bob"}; fmt.Sprint(f.rooms.revoked) != fmt.Sprint(want) {
		t.Errorf("expected realtime access revoked for %v, got %v", want, f.rooms.revoked)
	}
}

func TestRemoveMember_RoomFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")
	f.join(t, team.ID, "alice", "bob")
	f.rooms.err = errors.New("redis down")

	if err := f.svc.RemoveMember(ctx, team.ID, "alice", "bob"); err != nil {
		t.Fatalf("RemoveMember() should succeed despite realtime failure: %v", err)
	}
	got, _ := f.svc.GetTeam(ctx, team.ID, "alice")
	if got.RoleOf("bob") != "" {
		t.Error("bob should no longer be a member")
	}
}

func TestDeleteTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")
	f.join(t, team.ID, "alice", "bob")

	assertKind(t, f.svc.DeleteTeam(ctx, team.ID, "bob"), apperr.KindForbidden)
	assertKind(t, f.svc.DeleteTeam(ctx, "missing", "alice"), apperr.KindNotFound)

	if err := f.svc.DeleteTeam(ctx, team.ID, "alice"); err != nil {
		t.Fatalf("DeleteTeam() error: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		if len(f.users.users[id].Teams) != 0 {
			t.Errorf("expected %s side index emptied, got %v", id, f.users.users[id].Teams)
		}
	}
	_, err := f.svc.GetTeam(ctx, team.ID, "alice")
	assertKind(t, err, apperr.KindNotFound)
	if len(f.rooms.closed) != 1 || f.rooms.closed[0] != team.ID {
		t.Errorf("expected realtime room %s closed, got %v", team.ID, f.rooms.closed)
	}
}

func TestListTeamsForUser_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createTeam(t, "alice", "First")
	second := f.createTeam(t, "bob", "Second")
	f.join(t, second.ID, "bob", "alice")
	third := f.createTeam(t, "alice", "Third")
	f.createTeam(t, "carol", "Unrelated")

	teams, err := f.svc.ListTeamsForUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, tm := range teams {
		ids = append(ids, tm.ID)
	}
	want := []string{third.ID, second.ID, first.ID}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestMembershipChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := f.createTeam(t, "alice", "Acme")

	if ok, err := f.svc.IsMember(ctx, team.ID, "alice"); err != nil || !ok {
		t.Errorf("alice should be a member: %v %v", ok, err)
	}
	if ok, err := f.svc.IsMember(ctx, team.ID, "carol"); err != nil || ok {
		t.Errorf("carol should not be a member: %v %v", ok, err)
	}
	if ok, err := f.svc.IsMember(ctx, "missing", "alice"); err != nil || ok {
		t.Errorf("missing team should report false without error: %v %v", ok, err)
	}

	assertKind(t, f.svc.RequireMember(ctx, team.ID, "carol"), apperr.KindForbidden)
	assertKind(t, f.svc.RequireMember(ctx, "missing", "alice"), apperr.KindNotFound)

	_, err := f.svc.GetTeam(ctx, team.ID, "carol")
	assertKind(t, err, apperr.KindForbidden)
}
