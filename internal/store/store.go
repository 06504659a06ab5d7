package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the full persistence surface. PostgresStore backs production and
// MemoryStore backs tests and STORE_DRIVER=memory.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, project Project) error
	GetProject(ctx context.Context, projectID string) (Project, error)
	GetMembership(ctx context.Context, projectID, userID string) (Membership, error)
	ListMembers(ctx context.Context, projectID string) ([]Membership, error)
	UpsertMembership(ctx context.Context, projectID, userID, role string) error

	UpsertEditRequest(ctx context.Context, projectID, requesterID, message string) (EditRequest, error)
	ApproveEditRequests(ctx context.Context, projectID, requesterID string) (int, error)
	ListEditRequests(ctx context.Context, projectID, status string) ([]EditRequest, error)

	GetDiagram(ctx context.Context, projectID string) (DiagramRecord, error)
	CreateDiagram(ctx context.Context, projectID string, snapshot json.RawMessage) (DiagramRecord, error)
	SaveDiagram(ctx context.Context, projectID string, snapshot json.RawMessage) (DiagramRecord, error)

	SaveShareLink(ctx context.Context, projectID, tokenHash string, expiresAt time.Time) error
	LookupShareLink(ctx context.Context, projectID, tokenHash string) (bool, error)
	RevokeShareLink(ctx context.Context, tokenHash string) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
