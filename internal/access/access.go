// Package access answers who may see or edit a project.
package access

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"diagramsync/api/internal/rbac"
	"diagramsync/api/internal/store"
)

var (
	ErrNotFound  = errors.New("project not found")
	ErrForbidden = errors.New("forbidden")
)

type projectStore interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetMembership(ctx context.Context, projectID, userID string) (store.Membership, error)
}

type ShareValidator interface {
	Validate(ctx context.Context, projectID, token string) (bool, error)
}

type Service struct {
	store  projectStore
	shares ShareValidator
	logger *zap.Logger
}

func New(projects projectStore, shares ShareValidator, logger *zap.Logger) *Service {
	return &Service{store: projects, shares: shares, logger: logger.Named("access")}
}

// AssertAccess succeeds when userID owns or is a member of projectID.
func (s *Service) AssertAccess(ctx context.Context, userID, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("assert access: %w", err)
	}
	if userID == "" {
		return ErrForbidden
	}
	if project.OwnerID == userID {
		return nil
	}
	member, err := s.HasMembership(ctx, userID, projectID)
	if err != nil {
		return fmt.Errorf("assert access: %w", err)
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

// IsOwner always re-reads the project; callers must not trust cached roles for owner actions.
func (s *Service) IsOwner(ctx context.Context, userID, projectID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup owner: %w", err)
	}
	return project.OwnerID == userID, nil
}

// OwnerOf returns the owner id, or "" when the project does not exist.
func (s *Service) OwnerOf(ctx context.Context, projectID string) (string, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup owner: %w", err)
	}
	return project.OwnerID, nil
}

// HasMembership reports whether any membership row exists, whatever its role.
func (s *Service) HasMembership(ctx context.Context, userID, projectID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	_, err := s.store.GetMembership(ctx, projectID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup membership: %w", err)
	}
	return true, nil
}

// ResolveRole gives OWNER to the project owner and EDITOR to anyone holding a
// membership row. ok is false when the user has neither.
func (s *Service) ResolveRole(ctx context.Context, userID, projectID string) (role rbac.Role, ok bool, err error) {
	if userID == "" {
		return "", false, nil
	}
	owner, err := s.IsOwner(ctx, userID, projectID)
	if err != nil {
		return "", false, err
	}
	if owner {
		return rbac.RoleOwner, true, nil
	}
	member, err := s.HasMembership(ctx, userID, projectID)
	if err != nil {
		return "", false, err
	}
	if member {
		return rbac.RoleEditor, true, nil
	}
	return "", false, nil
}

// ValidateShareToken treats lookup failures as an invalid token.
func (s *Service) ValidateShareToken(ctx context.Context, projectID, token string) bool {
	if s.shares == nil || token == "" {
		return false
	}
	ok, err := s.shares.Validate(ctx, projectID, token)
	if err != nil {
		s.logger.Warn("share token validation failed", zap.String("projectID", projectID), zap.Error(err))
		return false
	}
	return ok
}
