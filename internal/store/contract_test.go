package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contractStore interface {
	CreateProject(context.Context, Project) error
	GetProject(context.Context, string) (Project, error)
	GetMembership(context.Context, string, string) (Membership, error)
	ListMembers(context.Context, string) ([]Membership, error)
	UpsertMembership(context.Context, string, string, string) error
	UpsertEditRequest(context.Context, string, string, string) (EditRequest, error)
	ApproveEditRequests(context.Context, string, string) (int, error)
	ListEditRequests(context.Context, string, string) ([]EditRequest, error)
	GetDiagram(context.Context, string) (DiagramRecord, error)
	CreateDiagram(context.Context, string, json.RawMessage) (DiagramRecord, error)
	SaveDiagram(context.Context, string, json.RawMessage) (DiagramRecord, error)
	SaveShareLink(context.Context, string, string, time.Time) error
	LookupShareLink(context.Context, string, string) (bool, error)
	RevokeShareLink(context.Context, string) error
}

// runStoreContract exercises behaviour both store implementations must agree on.
func runStoreContract(t *testing.T, s contractStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, Project{ID: "p1", Name: "Flow", OwnerID: "owner"}))

	t.Run("project and owner membership", func(t *testing.T) {
		project, err := s.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "owner", project.OwnerID)

		member, err := s.GetMembership(ctx, "p1", "owner")
		require.NoError(t, err)
		assert.Equal(t, "OWNER", member.Role)

		_, err = s.GetProject(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetMembership(ctx, "p1", "stranger")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("membership upsert changes role", func(t *testing.T) {
		require.NoError(t, s.UpsertMembership(ctx, "p1", "u2", "VIEWER"))
		require.NoError(t, s.UpsertMembership(ctx, "p1", "u2", "EDITOR"))
		member, err := s.GetMembership(ctx, "p1", "u2")
		require.NoError(t, err)
		assert.Equal(t, "EDITOR", member.Role)

		members, err := s.ListMembers(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, members, 2)
	})

	t.Run("edit request upsert and approval", func(t *testing.T) {
		first, err := s.UpsertEditRequest(ctx, "p1", "guest", "please")
		require.NoError(t, err)
		assert.Equal(t, EditRequestPending, first.Status)

		approved, err := s.ApproveEditRequests(ctx, "p1", "guest")
		require.NoError(t, err)
		assert.Equal(t, 1, approved)

		again, err := s.UpsertEditRequest(ctx, "p1", "guest", "once more")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, EditRequestPending, again.Status)
		assert.Equal(t, "once more", again.Message)

		pending, err := s.ListEditRequests(ctx, "p1", EditRequestPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		approved, err = s.ApproveEditRequests(ctx, "p1", "guest")
		require.NoError(t, err)
		assert.Equal(t, 1, approved)
		approved, err = s.ApproveEditRequests(ctx, "p1", "guest")
		require.NoError(t, err)
		assert.Equal(t, 0, approved)

		all, err := s.ListEditRequests(ctx, "p1", "")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, EditRequestApproved, all[0].Status)
	})

	t.Run("diagram create is first writer wins", func(t *testing.T) {
		_, err := s.GetDiagram(ctx, "p1")
		require.True(t, errors.Is(err, ErrNotFound))

		created, err := s.CreateDiagram(ctx, "p1", json.RawMessage(`{"nodes":[],"edges":[],"updatedAt":"a"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"nodes":[],"edges":[],"updatedAt":"a"}`, string(created.Snapshot))

		second, err := s.CreateDiagram(ctx, "p1", json.RawMessage(`{"nodes":[1],"edges":[],"updatedAt":"b"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"nodes":[],"edges":[],"updatedAt":"a"}`, string(second.Snapshot))

		saved, err := s.SaveDiagram(ctx, "p1", json.RawMessage(`{"nodes":[{"id":"n"}],"edges":[],"updatedAt":"c"}`))
		require.NoError(t, err)
		assert.False(t, saved.UpdatedAt.IsZero())

		loaded, err := s.GetDiagram(ctx, "p1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"nodes":[{"id":"n"}],"edges":[],"updatedAt":"c"}`, string(loaded.Snapshot))
	})

	t.Run("share links are scoped and expire", func(t *testing.T) {
		require.NoError(t, s.SaveShareLink(ctx, "p1", "hash-live", time.Now().Add(time.Hour)))
		require.NoError(t, s.SaveShareLink(ctx, "p1", "hash-old", time.Now().Add(-time.Hour)))

		ok, err := s.LookupShareLink(ctx, "p1", "hash-live")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.LookupShareLink(ctx, "other", "hash-live")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.LookupShareLink(ctx, "p1", "hash-old")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.RevokeShareLink(ctx, "hash-live"))
		ok, err = s.LookupShareLink(ctx, "p1", "hash-live")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
