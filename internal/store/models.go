package store

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	EditRequestPending  = "PENDING"
	EditRequestApproved = "APPROVED"
)

type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

type Membership struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type EditRequest struct {
	ID          string
	ProjectID   string
	RequesterID string
	Message     string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DiagramRecord is the persisted row. UpdatedAt is the row timestamp and is
// independent of the updatedAt field inside Snapshot.
type DiagramRecord struct {
	ProjectID string
	Snapshot  json.RawMessage
	UpdatedAt time.Time
}
