package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"diagramsync/api/internal/access"
	"diagramsync/api/internal/auth"
	"diagramsync/api/internal/rbac"
	"diagramsync/api/internal/room"
	"diagramsync/api/internal/sharelink"
	"diagramsync/api/internal/snapshot"
	"diagramsync/api/internal/store"
)

const testSecret = "gateway-test-secret"

type fixture struct {
	store    *store.MemoryStore
	registry *room.Registry
	shares   *sharelink.Service
	gateway  *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateProject(ctx, store.Project{ID: "p1", Name: "Roadmap", OwnerID: "owner"}))
	require.NoError(t, st.CreateProject(ctx, store.Project{ID: "p2", Name: "Backlog", OwnerID: "owner"}))

	shares := sharelink.NewService(st, time.Hour)
	opts := room.DefaultOptions()
	opts.SaveDebounce = time.Hour
	registry := room.NewRegistry(st, opts, zap.NewNop(), nil)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	gateway := NewGateway(GatewayConfig{
		Access:   access.New(st, shares, zap.NewNop()),
		Rooms:    registry,
		Requests: st,
		Verifier: auth.NewVerifier(testSecret),
		Logger:   zap.NewNop(),
	})
	return &fixture{store: st, registry: registry, shares: shares, gateway: gateway}
}

func issueToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) shareToken(t *testing.T, projectID string) string {
	t.Helper()
	token, _, err := f.shares.Issue(context.Background(), projectID)
	require.NoError(t, err)
	return token
}

// connect opens a conn-less client; userID "" means no handshake credential.
func (f *fixture) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := newClient(nil, zap.NewNop())
	credential := ""
	if userID != "" {
		credential = issueToken(t, userID)
	}
	f.gateway.Connect(c, credential)
	return c
}

func (f *fixture) send(t *testing.T, c *Client, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.gateway.Dispatch(context.Background(), c, Envelope{Event: event, Data: data})
}

func (f *fixture) join(t *testing.T, c *Client, payload JoinPayload) JoinedPayload {
	t.Helper()
	f.send(t, c, EventJoin, payload)
	var joined JoinedPayload
	expectEvent(t, c, EventJoined, &joined)
	drain(c)
	return joined
}

func nextEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case message := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(message, &env))
		return env
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID())
		return Envelope{}
	}
}

func expectEvent(t *testing.T, c *Client, event string, dst any) {
	t.Helper()
	env := nextEnvelope(t, c)
	require.Equal(t, event, env.Event, "payload %s", env.Data)
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case message := <-c.send:
		t.Fatalf("unexpected message %s", message)
	default:
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func TestJoinAsOwner(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "owner")

	f.send(t, c, EventJoin, JoinPayload{ProjectID: "p1"})

	var joined JoinedPayload
	expectEvent(t, c, EventJoined, &joined)
	assert.Equal(t, rbac.RoleOwner, joined.Role)
	assert.Empty(t, joined.Snapshot.Nodes)
	assert.NotEmpty(t, joined.Snapshot.UpdatedAt)

	var presence PresencePayload
	expectEvent(t, c, EventPresence, &presence)
	require.NotNil(t, presence.UserID)
	assert.Equal(t, "owner", *presence.UserID)
	assert.Equal(t, PresenceJoin, presence.Event)
	assert.Equal(t, 1, f.gateway.Hub().Count(projectGroup("p1")))
}

func TestJoinedPayloadHasArrays(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "owner")
	f.send(t, c, EventJoin, JoinPayload{ProjectID: "p1"})

	env := nextEnvelope(t, c)
	require.Equal(t, EventJoined, env.Event)
	var raw struct {
		Snapshot map[string]json.RawMessage `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &raw))
	assert.JSONEq(t, `[]`, string(raw.Snapshot["nodes"]))
	assert.JSONEq(t, `[]`, string(raw.Snapshot["edges"]))
}

func TestJoinAuthTokenOverridesHandshake(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "")

	joined := f.join(t, c, JoinPayload{ProjectID: "p1", AuthToken: issueToken(t, "owner")})
	assert.Equal(t, rbac.RoleOwner, joined.Role)
}

func TestAnyMembershipJoinsAsEditor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertMembership(context.Background(), "p1", "bob", "VIEWER"))
	c := f.connect(t, "bob")

	joined := f.join(t, c, JoinPayload{ProjectID: "p1"})
	assert.Equal(t, rbac.RoleEditor, joined.Role)
}

func TestShareTokenJoinsAsViewer(t *testing.T) {
	f := newFixture(t)
	share := f.shareToken(t, "p1")

	guest := f.connect(t, "")
	joined := f.join(t, guest, JoinPayload{ProjectID: "p1", ShareToken: share})
	assert.Equal(t, rbac.RoleViewer, joined.Role)

	stranger := f.connect(t, "mallory")
	joined = f.join(t, stranger, JoinPayload{ProjectID: "p1", ShareToken: share})
	assert.Equal(t, rbac.RoleViewer, joined.Role)

	expired := f.connect(t, "")
	joined = f.join(t, expired, JoinPayload{ProjectID: "p1", ShareToken: share, AuthToken: "garbage"})
	assert.Equal(t, rbac.RoleViewer, joined.Role, "a bad auth token degrades to anonymous")
}

func TestJoinDenied(t *testing.T) {
	f := newFixture(t)
	otherShare := f.shareToken(t, "p2")

	tests := []struct {
		name    string
		userID  string
		payload JoinPayload
		reason  string
	}{
		{name: "anonymous without share", payload: JoinPayload{ProjectID: "p1"}, reason: ReasonUnauthorized},
		{name: "non member without share", userID: "mallory", payload: JoinPayload{ProjectID: "p1"}, reason: ReasonUnauthorized},
		{name: "bad auth token", payload: JoinPayload{ProjectID: "p1", AuthToken: "garbage"}, reason: ReasonUnauthorized},
		{name: "unknown share", payload: JoinPayload{ProjectID: "p1", ShareToken: "nope"}, reason: ReasonInvalidShareLink},
		{name: "share for another project", payload: JoinPayload{ProjectID: "p1", ShareToken: otherShare}, reason: ReasonInvalidShareLink},
		{name: "missing project", userID: "owner", payload: JoinPayload{}, reason: ReasonUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := f.connect(t, tc.userID)
			f.send(t, c, EventJoin, tc.payload)

			var denied DeniedPayload
			expectEvent(t, c, EventJoinDenied, &denied)
			assert.Equal(t, tc.reason, denied.Reason)
			expectSilence(t, c)
			assert.False(t, c.session().joined)
		})
	}
	assert.Equal(t, 0, f.gateway.Hub().Count(projectGroup("p1")))
	_, hot := f.registry.GetRoom("p1")
	assert.False(t, hot, "denied joins must not open rooms")
}

type failingRooms struct{}

func (failingRooms) Acquire(context.Context, string) (*room.Room, error) {
	return nil, errors.New("store down")
}
func (failingRooms) Release(string) {}
func (failingRooms) QueuePatch(string, snapshot.Patch) bool { return false }

func TestJoinUnavailableWhenRoomCannotLoad(t *testing.T) {
	f := newFixture(t)
	f.gateway.rooms = failingRooms{}
	c := f.connect(t, "owner")

	f.send(t, c, EventJoin, JoinPayload{ProjectID: "p1"})
	var denied DeniedPayload
	expectEvent(t, c, EventJoinDenied, &denied)
	assert.Equal(t, ReasonUnavailable, denied.Reason)
}

func TestPatchRelayExcludesSender(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertMembership(context.Background(), "p1", "bob", "EDITOR"))
	owner := f.connect(t, "owner")
	bob := f.connect(t, "bob")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})
	f.join(t, bob, JoinPayload{ProjectID: "p1"})
	drain(owner)

	patch := json.RawMessage(`{"type":"edgeAdded","edge":{"id":"e1","source":"a","target":"b"},"clientSeq":7}`)
	f.send(t, owner, EventPatch, map[string]any{"projectId": "p1", "patch": patch})

	env := nextEnvelope(t, bob)
	assert.Equal(t, EventRemotePatch, env.Event)
	assert.JSONEq(t, string(patch), string(env.Data))
	expectSilence(t, owner)

	snap, ok := f.registry.Snapshot("p1")
	require.True(t, ok)
	require.Len(t, snap.Edges, 1)
	assert.JSONEq(t, `{"id":"e1","source":"a","target":"b"}`, string(snap.Edges[0]))
}

func TestPatchDeniedForViewers(t *testing.T) {
	f := newFixture(t)
	share := f.shareToken(t, "p1")
	owner := f.connect(t, "owner")
	guest := f.connect(t, "")
	stranger := f.connect(t, "mallory")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})
	f.join(t, guest, JoinPayload{ProjectID: "p1", ShareToken: share})
	f.join(t, stranger, JoinPayload{ProjectID: "p1", ShareToken: share})
	drain(owner)
	drain(guest)

	patch := map[string]any{"projectId": "p1", "patch": map[string]any{"type": "nodeMoved", "id": "a", "x": 1, "y": 2}}

	var denied DeniedPayload
	f.send(t, guest, EventPatch, patch)
	expectEvent(t, guest, EventEditDenied, &denied)
	assert.Equal(t, ReasonLoginRequired, denied.Reason)

	f.send(t, stranger, EventPatch, patch)
	expectEvent(t, stranger, EventEditDenied, &denied)
	assert.Equal(t, ReasonNoPermission, denied.Reason)

	expectSilence(t, owner)
	rm, ok := f.registry.GetRoom("p1")
	require.True(t, ok)
	assert.Empty(t, rm.PendingPatches())
}

func TestPatchForAnotherProjectIsDropped(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "owner")
	other := f.connect(t, "owner")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})
	f.join(t, other, JoinPayload{ProjectID: "p2"})
	drain(owner)

	f.send(t, owner, EventPatch, map[string]any{"projectId": "p2", "patch": map[string]any{"type": "full"}})

	expectSilence(t, owner)
	expectSilence(t, other)
	rm, ok := f.registry.GetRoom("p2")
	require.True(t, ok)
	assert.Empty(t, rm.PendingPatches())
}

func TestPatchBeforeJoinIsDropped(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "owner")
	f.send(t, owner, EventPatch, map[string]any{"projectId": "p1", "patch": map[string]any{"type": "full"}})
	expectSilence(t, owner)
}

func TestRequestEditByMemberIsGrantedImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	share := f.shareToken(t, "p1")
	bob := f.connect(t, "bob")
	joined := f.join(t, bob, JoinPayload{ProjectID: "p1", ShareToken: share})
	require.Equal(t, rbac.RoleViewer, joined.Role)

	require.NoError(t, f.store.UpsertMembership(ctx, "p1", "bob", "VIEWER"))
	f.send(t, bob, EventRequestEdit, RequestEditPayload{ProjectID: "p1", Message: "let me in"})

	var granted EditGrantedPayload
	expectEvent(t, bob, EventEditGranted, &granted)
	assert.Equal(t, rbac.RoleEditor, granted.Role)
	assert.Equal(t, rbac.RoleEditor, bob.session().role)

	requests, err := f.store.ListEditRequests(ctx, "p1", "")
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestRequestEditByOwnerKeepsOwnerRole(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "owner")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})

	f.send(t, owner, EventRequestEdit, RequestEditPayload{ProjectID: "p1"})
	var granted EditGrantedPayload
	expectEvent(t, owner, EventEditGranted, &granted)
	assert.Equal(t, rbac.RoleOwner, granted.Role)
}

func TestRequestEditFromAnonymousIsIgnored(t *testing.T) {
	f := newFixture(t)
	guest := f.connect(t, "")
	f.join(t, guest, JoinPayload{ProjectID: "p1", ShareToken: f.shareToken(t, "p1")})

	f.send(t, guest, EventRequestEdit, RequestEditPayload{ProjectID: "p1"})
	expectSilence(t, guest)
}

func TestEditRequestApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	share := f.shareToken(t, "p1")

	owner := f.connect(t, "owner")
	carol := f.connect(t, "carol")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})
	f.join(t, carol, JoinPayload{ProjectID: "p1", ShareToken: share})
	drain(owner)

	f.send(t, carol, EventRequestEdit, RequestEditPayload{ProjectID: "p1", Message: "please"})

	var request EditRequestPayload
	expectEvent(t, owner, EventEditRequest, &request)
	assert.Equal(t, "p1", request.ProjectID)
	assert.Equal(t, "carol", request.RequesterID)
	assert.Equal(t, "please", request.Message)
	assert.NotEmpty(t, request.RequestID)
	expectEvent(t, carol, EventRequestQueued, nil)

	pending, err := f.store.ListEditRequests(ctx, "p1", store.EditRequestPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, request.RequestID, pending[0].ID)

	f.send(t, owner, EventApproveEdit, ApproveEditPayload{ProjectID: "p1", UserID: "carol", Role: "EDITOR"})

	member, err := f.store.GetMembership(ctx, "p1", "carol")
	require.NoError(t, err)
	assert.Equal(t, "EDITOR", member.Role)
	approved, err := f.store.ListEditRequests(ctx, "p1", store.EditRequestApproved)
	require.NoError(t, err)
	assert.Len(t, approved, 1)

	var updated MemberUpdatedPayload
	expectEvent(t, owner, EventMemberUpdated, &updated)
	assert.Equal(t, MemberUpdatedPayload{UserID: "carol", Role: rbac.RoleEditor}, updated)
	expectEvent(t, carol, EventMemberUpdated, &updated)

	var granted EditGrantedPayload
	expectEvent(t, carol, EventEditGranted, &granted)
	assert.Equal(t, rbac.RoleEditor, granted.Role)

	f.send(t, carol, EventPatch, map[string]any{"projectId": "p1", "patch": map[string]any{"type": "edgeRemoved", "id": "e9"}})
	expectEvent(t, owner, EventRemotePatch, nil)
}

func TestApproveWithUnknownRoleGrantsViewer(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "owner")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})

	f.send(t, owner, EventApproveEdit, ApproveEditPayload{ProjectID: "p1", UserID: "dave", Role: "ADMIN"})

	var updated MemberUpdatedPayload
	expectEvent(t, owner, EventMemberUpdated, &updated)
	assert.Equal(t, rbac.RoleViewer, updated.Role)
	member, err := f.store.GetMembership(context.Background(), "p1", "dave")
	require.NoError(t, err)
	assert.Equal(t, "VIEWER", member.Role)
}

func TestApproveFromNonOwnerIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertMembership(ctx, "p1", "bob", "EDITOR"))
	owner := f.connect(t, "owner")
	bob := f.connect(t, "bob")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})
	f.join(t, bob, JoinPayload{ProjectID: "p1"})
	drain(owner)

	f.send(t, bob, EventApproveEdit, ApproveEditPayload{ProjectID: "p1", UserID: "carol"})

	expectSilence(t, owner)
	expectSilence(t, bob)
	_, err := f.store.GetMembership(ctx, "p1", "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "owner")
	guest := f.connect(t, "")
	f.join(t, owner, JoinPayload{ProjectID: "p1"})
	f.join(t, guest, JoinPayload{ProjectID: "p1", ShareToken: f.shareToken(t, "p1")})
	drain(owner)

	rm, ok := f.registry.GetRoom("p1")
	require.True(t, ok)
	require.Equal(t, 2, rm.Connections())

	f.gateway.Disconnect(guest)

	var presence PresencePayload
	expectEvent(t, owner, EventPresence, &presence)
	assert.Nil(t, presence.UserID)
	assert.Equal(t, PresenceLeave, presence.Event)
	assert.Equal(t, rbac.RoleViewer, presence.Role)
	assert.Equal(t, 1, rm.Connections())
	assert.Equal(t, 1, f.gateway.Hub().Count(projectGroup("p1")))
}

func TestDisconnectWithoutJoinIsQuiet(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "owner")
	require.Equal(t, 1, f.gateway.Hub().Count(userGroup("owner")))

	f.gateway.Disconnect(owner)
	assert.Equal(t, 0, f.gateway.Hub().Count(userGroup("owner")))
}

func TestRejoinMovesBetweenRooms(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect(t, "owner")
	mover := f.connect(t, "owner")
	f.join(t, watcher, JoinPayload{ProjectID: "p1"})
	f.join(t, mover, JoinPayload{ProjectID: "p1"})
	drain(watcher)

	f.join(t, mover, JoinPayload{ProjectID: "p2"})

	var presence PresencePayload
	expectEvent(t, watcher, EventPresence, &presence)
	assert.Equal(t, PresenceLeave, presence.Event)

	p1, _ := f.registry.GetRoom("p1")
	p2, _ := f.registry.GetRoom("p2")
	assert.Equal(t, 1, p1.Connections())
	assert.Equal(t, 1, p2.Connections())
	assert.Equal(t, "p2", mover.session().projectID)
}

func TestDeniedRejoinLeavesPreviousRoom(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect(t, "owner")
	mover := f.connect(t, "owner")
	f.join(t, watcher, JoinPayload{ProjectID: "p1"})
	f.join(t, mover, JoinPayload{ProjectID: "p1"})
	drain(watcher)

	f.send(t, mover, EventJoin, JoinPayload{ProjectID: "p2", AuthToken: "garbage"})
	var denied DeniedPayload
	expectEvent(t, mover, EventJoinDenied, &denied)
	assert.Equal(t, ReasonUnauthorized, denied.Reason)

	var presence PresencePayload
	expectEvent(t, watcher, EventPresence, &presence)
	assert.Equal(t, PresenceLeave, presence.Event)

	p1, _ := f.registry.GetRoom("p1")
	assert.Equal(t, 1, p1.Connections())
	assert.Equal(t, 1, f.gateway.Hub().Count(projectGroup("p1")))
	assert.False(t, mover.session().joined)

	f.send(t, mover, EventPatch, map[string]any{
		"projectId": "p1",
		"patch":     map[string]any{"type": "edgeAdded", "edge": map[string]any{"id": "e"}},
	})
	expectSilence(t, watcher)
	assert.Empty(t, p1.Snapshot().Edges)
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "owner")
	f.gateway.Dispatch(context.Background(), c, Envelope{Event: "explode", Data: json.RawMessage(`{}`)})
	f.gateway.Dispatch(context.Background(), c, Envelope{Event: EventJoin, Data: json.RawMessage(`[1,2`)})
	f.gateway.Dispatch(context.Background(), c, Envelope{Event: EventJoin})
	expectSilence(t, c)
}
