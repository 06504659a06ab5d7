package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"diagramsync/api/internal/access"
	"diagramsync/api/internal/snapshot"
	"diagramsync/api/internal/store"
	"diagramsync/api/internal/util"
)

type dataStore interface {
	Ping(ctx context.Context) error
	CreateProject(ctx context.Context, project store.Project) error
	ListEditRequests(ctx context.Context, projectID, status string) ([]store.EditRequest, error)
	ListMembers(ctx context.Context, projectID string) ([]store.Membership, error)
}

type accessChecker interface {
	AssertAccess(ctx context.Context, userID, projectID string) error
	IsOwner(ctx context.Context, userID, projectID string) (bool, error)
}

type documentRooms interface {
	Snapshot(projectID string) (snapshot.Snapshot, bool)
	LoadInitial(ctx context.Context, projectID string) (snapshot.Snapshot, error)
	Put(ctx context.Context, projectID string, snap snapshot.Snapshot) error
}

type shareIssuer interface {
	Issue(ctx context.Context, projectID string) (string, time.Time, error)
	Revoke(ctx context.Context, projectID, token string) (bool, error)
}

type Service struct {
	store  dataStore
	access accessChecker
	rooms  documentRooms
	shares shareIssuer
	logger *zap.Logger
	now    func() time.Time
}

type Deps struct {
	Store  dataStore
	Access accessChecker
	Rooms  documentRooms
	Shares shareIssuer
	Logger *zap.Logger
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  deps.Store,
		access: deps.Access,
		rooms:  deps.Rooms,
		shares: deps.Shares,
		logger: logger.Named("app"),
		now:    time.Now,
	}
}

type ProjectView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

type ShareLinkView struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

type MemberView struct {
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

type EditRequestView struct {
	ID          string `json:"id"`
	RequesterID string `json:"requesterId"`
	Message     string `json:"message"`
	Status      string `json:"status"`
	UpdatedAt   string `json:"updatedAt"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) assertAccess(ctx context.Context, userID, projectID string) error {
	err := s.access.AssertAccess(ctx, userID, projectID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, access.ErrNotFound):
		return errNotFound
	case errors.Is(err, access.ErrForbidden):
		return errForbidden
	default:
		return err
	}
}

func (s *Service) assertOwner(ctx context.Context, userID, projectID string) error {
	if err := s.assertAccess(ctx, userID, projectID); err != nil {
		return err
	}
	owner, err := s.access.IsOwner(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if !owner {
		return errForbidden
	}
	return nil
}

// CreateProject registers a project owned by userID.
func (s *Service) CreateProject(ctx context.Context, userID, name string) (ProjectView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ProjectView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	project := store.Project{ID: util.NewID("prj"), Name: name, OwnerID: userID}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return ProjectView{}, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("project created", zap.String("projectID", project.ID), zap.String("ownerID", userID))
	return ProjectView{ID: project.ID, Name: project.Name, OwnerID: project.OwnerID}, nil
}

// GetDiagram prefers the live room so readers see unsaved edits.
func (s *Service) GetDiagram(ctx context.Context, userID, projectID string) (snapshot.Snapshot, error) {
	if err := s.assertAccess(ctx, userID, projectID); err != nil {
		return snapshot.Snapshot{}, err
	}
	if snap, ok := s.rooms.Snapshot(projectID); ok {
		return snap, nil
	}
	return s.rooms.LoadInitial(ctx, projectID)
}

// PutDiagram replaces the whole document. A live room adopts it, so the next
// checkpoint does not restore the old one.
func (s *Service) PutDiagram(ctx context.Context, userID, projectID string, body []byte) (snapshot.Snapshot, error) {
	if err := s.assertAccess(ctx, userID, projectID); err != nil {
		return snapshot.Snapshot{}, err
	}
	snap := snapshot.NormalizeAt(body, s.now())
	if err := s.rooms.Put(ctx, projectID, snap); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("save diagram: %w", err)
	}
	return snap, nil
}

func (s *Service) CreateShareLink(ctx context.Context, userID, projectID string) (ShareLinkView, error) {
	if err := s.assertOwner(ctx, userID, projectID); err != nil {
		return ShareLinkView{}, err
	}
	token, expiresAt, err := s.shares.Issue(ctx, projectID)
	if err != nil {
		return ShareLinkView{}, fmt.Errorf("issue share link: %w", err)
	}
	return ShareLinkView{Token: token, ExpiresAt: snapshot.Timestamp(expiresAt)}, nil
}

func (s *Service) RevokeShareLink(ctx context.Context, userID, projectID, token string) error {
	if err := s.assertOwner(ctx, userID, projectID); err != nil {
		return err
	}
	revoked, err := s.shares.Revoke(ctx, projectID, token)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	if !revoked {
		return errNotFound
	}
	return nil
}

// ListMembers is open to anyone who can read the project.
func (s *Service) ListMembers(ctx context.Context, userID, projectID string) ([]MemberView, error) {
	if err := s.assertAccess(ctx, userID, projectID); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	items := make([]MemberView, 0, len(members))
	for _, member := range members {
		items = append(items, MemberView{
			UserID:    member.UserID,
			Role:      member.Role,
			CreatedAt: snapshot.Timestamp(member.CreatedAt),
		})
	}
	return items, nil
}

func (s *Service) ListEditRequests(ctx context.Context, userID, projectID, status string) ([]EditRequestView, error) {
	if err := s.assertOwner(ctx, userID, projectID); err != nil {
		return nil, err
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case "", store.EditRequestPending, store.EditRequestApproved:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", map[string]any{"status": status})
	}
	requests, err := s.store.ListEditRequests(ctx, projectID, status)
	if err != nil {
		return nil, fmt.Errorf("list edit requests: %w", err)
	}
	items := make([]EditRequestView, 0, len(requests))
	for _, request := range requests {
		items = append(items, EditRequestView{
			ID:          request.ID,
			RequesterID: request.RequesterID,
			Message:     request.Message,
			Status:      request.Status,
			UpdatedAt:   snapshot.Timestamp(request.UpdatedAt),
		})
	}
	return items, nil
}
