// Package sharelink issues and validates the opaque tokens that give anonymous
// viewers read access to a single project.
package sharelink

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"diagramsync/api/internal/auth"
)

// Backend persists token hashes. Raw tokens are never stored.
type Backend interface {
	SaveShareLink(ctx context.Context, projectID, tokenHash string, expiresAt time.Time) error
	LookupShareLink(ctx context.Context, projectID, tokenHash string) (bool, error)
	RevokeShareLink(ctx context.Context, tokenHash string) error
}

type Service struct {
	backend Backend
	ttl     time.Duration
}

func NewService(backend Backend, ttl time.Duration) *Service {
	return &Service{backend: backend, ttl: ttl}
}

// Issue mints a fresh token for projectID.
func (s *Service) Issue(ctx context.Context, projectID string) (string, time.Time, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate share token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	expiresAt := time.Now().Add(s.ttl)
	if err := s.backend.SaveShareLink(ctx, projectID, auth.HashToken(token), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *Service) Validate(ctx context.Context, projectID, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" || projectID == "" {
		return false, nil
	}
	return s.backend.LookupShareLink(ctx, projectID, auth.HashToken(token))
}

// Revoke deletes token if it currently grants access to projectID and reports
// whether it did. Tokens issued for other projects are left alone.
func (s *Service) Revoke(ctx context.Context, projectID, token string) (bool, error) {
	ok, err := s.Validate(ctx, projectID, token)
	if err != nil || !ok {
		return false, err
	}
	if err := s.backend.RevokeShareLink(ctx, auth.HashToken(strings.TrimSpace(token))); err != nil {
		return false, err
	}
	return true, nil
}
