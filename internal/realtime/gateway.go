// Package realtime runs the websocket side of document sync: joining rooms,
// relaying patches, and the edit request workflow.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"diagramsync/api/internal/metrics"
	"diagramsync/api/internal/rbac"
	"diagramsync/api/internal/room"
	"diagramsync/api/internal/snapshot"
	"diagramsync/api/internal/store"
)

type accessControl interface {
	ResolveRole(ctx context.Context, userID, projectID string) (rbac.Role, bool, error)
	HasMembership(ctx context.Context, userID, projectID string) (bool, error)
	IsOwner(ctx context.Context, userID, projectID string) (bool, error)
	OwnerOf(ctx context.Context, projectID string) (string, error)
	ValidateShareToken(ctx context.Context, projectID, token string) bool
}

type roomRegistry interface {
	Acquire(ctx context.Context, projectID string) (*room.Room, error)
	Release(projectID string)
	QueuePatch(projectID string, patch snapshot.Patch) bool
}

type requestStore interface {
	UpsertEditRequest(ctx context.Context, projectID, requesterID, message string) (store.EditRequest, error)
	ApproveEditRequests(ctx context.Context, projectID, requesterID string) (int, error)
	UpsertMembership(ctx context.Context, projectID, userID, role string) error
}

type TokenVerifier interface {
	Verify(token string) (string, error)
}

type Gateway struct {
	access       accessControl
	rooms        roomRegistry
	requests     requestStore
	verifier     TokenVerifier
	hub          *Hub
	metrics      *metrics.Metrics
	logger       *zap.Logger
	storeTimeout time.Duration
}

type GatewayConfig struct {
	Access       accessControl
	Rooms        roomRegistry
	Requests     requestStore
	Verifier     TokenVerifier
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	StoreTimeout time.Duration
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		access:       cfg.Access,
		rooms:        cfg.Rooms,
		requests:     cfg.Requests,
		verifier:     cfg.Verifier,
		hub:          NewHub(logger),
		metrics:      cfg.Metrics,
		logger:       logger.Named("gateway"),
		storeTimeout: timeout,
	}
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// identify returns the user behind token, or "" for missing or invalid tokens.
func (g *Gateway) identify(token string) string {
	if token == "" || g.verifier == nil {
		return ""
	}
	userID, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Debug("credential rejected", zap.Error(err))
		return ""
	}
	return userID
}

// Connect registers a new connection. A valid handshake credential puts the
// connection in its user's personal group so owners receive edit requests.
func (g *Gateway) Connect(c *Client, credential string) {
	g.metrics.ConnectionOpened()
	userID := g.identify(credential)
	if userID == "" {
		return
	}
	c.mu.Lock()
	c.handshakeUserID = userID
	c.mu.Unlock()
	g.hub.Join(userGroup(userID), c)
}

// Disconnect drops every group membership and releases the joined room.
func (g *Gateway) Disconnect(c *Client) {
	if userID := c.handshakeUser(); userID != "" {
		g.hub.Leave(userGroup(userID), c)
	}
	g.leaveRoom(c)
	g.metrics.ConnectionClosed()
}

func (g *Gateway) leaveRoom(c *Client) {
	prev := c.clearSession()
	if !prev.joined {
		return
	}
	group := projectGroup(prev.projectID)
	g.hub.Leave(group, c)
	g.rooms.Release(prev.projectID)
	g.hub.Broadcast(group, EventPresence, PresencePayload{
		UserID: optionalUser(prev.userID),
		Role:   prev.role,
		Event:  PresenceLeave,
	}, nil)
}

// Dispatch routes an inbound envelope. Unknown events and undecodable payloads
// are dropped.
func (g *Gateway) Dispatch(ctx context.Context, c *Client, env Envelope) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	switch env.Event {
	case EventJoin:
		var payload JoinPayload
		if !g.decode(c, env, &payload) {
			return
		}
		g.handleJoin(ctx, c, payload)
	case EventPatch:
		var payload PatchPayload
		if !g.decode(c, env, &payload) {
			return
		}
		g.handlePatch(c, payload)
	case EventRequestEdit:
		var payload RequestEditPayload
		if !g.decode(c, env, &payload) {
			return
		}
		g.handleRequestEdit(ctx, c, payload)
	case EventApproveEdit:
		var payload ApproveEditPayload
		if !g.decode(c, env, &payload) {
			return
		}
		g.handleApproveEdit(ctx, c, payload)
	default:
		c.logger.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

func (g *Gateway) decode(c *Client, env Envelope, dst any) bool {
	if len(env.Data) == 0 {
		c.logger.Debug("ignoring event without data", zap.String("event", env.Event))
		return false
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		c.logger.Debug("ignoring undecodable event", zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return true
}

// deny also ends any session the client held; a failed join never leaves it in
// its previous room.
func (g *Gateway) deny(c *Client, reason string) {
	g.leaveRoom(c)
	g.metrics.JoinDenied(reason)
	c.Emit(EventJoinDenied, DeniedPayload{Reason: reason})
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, payload JoinPayload) {
	if payload.ProjectID == "" {
		g.deny(c, ReasonUnauthorized)
		return
	}

	userID := c.handshakeUser()
	if payload.AuthToken != "" {
		userID = g.identify(payload.AuthToken)
	}

	role, member, err := g.access.ResolveRole(ctx, userID, payload.ProjectID)
	if err != nil {
		g.logger.Warn("role lookup failed", zap.String("projectID", payload.ProjectID), zap.Error(err))
		g.deny(c, ReasonUnavailable)
		return
	}
	if !member {
		if payload.ShareToken == "" {
			g.deny(c, ReasonUnauthorized)
			return
		}
		if !g.access.ValidateShareToken(ctx, payload.ProjectID, payload.ShareToken) {
			g.deny(c, ReasonInvalidShareLink)
			return
		}
		role = rbac.RoleViewer
	}

	rm, err := g.rooms.Acquire(ctx, payload.ProjectID)
	if err != nil {
		g.logger.Error("room unavailable", zap.String("projectID", payload.ProjectID), zap.Error(err))
		g.deny(c, ReasonUnavailable)
		return
	}

	g.leaveRoom(c)
	c.setSession(session{
		projectID: payload.ProjectID,
		userID:    userID,
		role:      role,
		joined:    true,
	})
	group := projectGroup(payload.ProjectID)
	g.hub.Join(group, c)

	c.Emit(EventJoined, JoinedPayload{Snapshot: rm.Snapshot(), Role: role})
	g.hub.Broadcast(group, EventPresence, PresencePayload{
		UserID: optionalUser(userID),
		Role:   role,
		Event:  PresenceJoin,
	}, nil)

	c.logger.Info("joined room",
		zap.String("projectID", payload.ProjectID),
		zap.String("userID", userID),
		zap.String("role", string(role)),
	)
}

func (g *Gateway) handlePatch(c *Client, payload PatchPayload) {
	sess := c.session()
	if !sess.joined || sess.projectID != payload.ProjectID {
		return
	}
	if !rbac.Can(sess.role, rbac.ActionWrite) {
		reason := ReasonNoPermission
		if sess.userID == "" {
			reason = ReasonLoginRequired
		}
		c.Emit(EventEditDenied, DeniedPayload{Reason: reason})
		return
	}
	if raw := bytes.TrimSpace(payload.Patch.Raw); len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return
	}

	g.rooms.QueuePatch(sess.projectID, payload.Patch)
	g.metrics.PatchRelayed(string(payload.Patch.Type))
	g.hub.Broadcast(projectGroup(sess.projectID), EventRemotePatch, payload.Patch, c)
}

func (g *Gateway) handleRequestEdit(ctx context.Context, c *Client, payload RequestEditPayload) {
	sess := c.session()
	if !sess.joined || sess.projectID != payload.ProjectID || sess.userID == "" {
		return
	}

	member, err := g.access.HasMembership(ctx, sess.userID, sess.projectID)
	if err != nil {
		g.logger.Warn("membership lookup failed", zap.String("projectID", sess.projectID), zap.Error(err))
		return
	}
	if member {
		granted := rbac.RoleEditor
		if sess.role == rbac.RoleOwner {
			granted = rbac.RoleOwner
		}
		c.setRole(sess.projectID, granted)
		c.Emit(EventEditGranted, EditGrantedPayload{Role: granted})
		return
	}

	request, err := g.requests.UpsertEditRequest(ctx, sess.projectID, sess.userID, payload.Message)
	if err != nil {
		g.logger.Error("failed to record edit request", zap.String("projectID", sess.projectID), zap.Error(err))
		return
	}

	ownerID, err := g.access.OwnerOf(ctx, sess.projectID)
	if err != nil {
		g.logger.Warn("owner lookup failed", zap.String("projectID", sess.projectID), zap.Error(err))
	}
	if ownerID != "" {
		g.hub.Broadcast(userGroup(ownerID), EventEditRequest, EditRequestPayload{
			ProjectID:   sess.projectID,
			RequesterID: sess.userID,
			RequestID:   request.ID,
			Message:     payload.Message,
		}, nil)
	}
	c.Emit(EventRequestQueued, struct{}{})
}

func (g *Gateway) handleApproveEdit(ctx context.Context, c *Client, payload ApproveEditPayload) {
	sess := c.session()
	if !sess.joined || payload.ProjectID == "" || payload.UserID == "" {
		return
	}

	owner, err := g.access.IsOwner(ctx, sess.userID, payload.ProjectID)
	if err != nil {
		g.logger.Warn("owner check failed", zap.String("projectID", payload.ProjectID), zap.Error(err))
		return
	}
	if !owner {
		c.logger.Debug("ignoring approval from non-owner", zap.String("projectID", payload.ProjectID))
		return
	}

	role := rbac.NormalizeGrant(payload.Role)
	if err := g.requests.UpsertMembership(ctx, payload.ProjectID, payload.UserID, string(role)); err != nil {
		g.logger.Error("failed to grant membership", zap.String("projectID", payload.ProjectID), zap.Error(err))
		return
	}
	approved, err := g.requests.ApproveEditRequests(ctx, payload.ProjectID, payload.UserID)
	if err != nil {
		g.logger.Warn("failed to close edit requests", zap.String("projectID", payload.ProjectID), zap.Error(err))
	}

	group := projectGroup(payload.ProjectID)
	g.hub.Broadcast(group, EventMemberUpdated, MemberUpdatedPayload{UserID: payload.UserID, Role: role}, nil)

	if role == rbac.RoleEditor {
		for _, member := range g.hub.Members(group) {
			st := member.session()
			if st.userID != payload.UserID || st.role == rbac.RoleOwner {
				continue
			}
			if member.setRole(payload.ProjectID, role) {
				member.Emit(EventEditGranted, EditGrantedPayload{Role: role})
			}
		}
	}

	g.logger.Info("edit access granted",
		zap.String("projectID", payload.ProjectID),
		zap.String("userID", payload.UserID),
		zap.String("role", string(role)),
		zap.Int("requestsApproved", approved),
	)
}
