package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diagramsync/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateProject inserts the project and its OWNER membership in one transaction.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, owner_id)
		VALUES ($1, $2, $3)
	`, project.ID, project.Name, project.OwnerID); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, 'OWNER')
		ON CONFLICT (project_id, user_id) DO UPDATE SET role='OWNER'
	`, project.ID, project.OwnerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, projectID, userID string) (Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, user_id, role, created_at
		FROM project_members
		WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&item.ProjectID, &item.UserID, &item.Role, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, ErrNotFound
	}
	if err != nil {
		return Membership{}, fmt.Errorf("get membership: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, created_at
		FROM project_members
		WHERE project_id=$1
		ORDER BY created_at ASC, user_id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// UpsertEditRequest records a request keyed by (project, requester). Re-requesting
// replaces the message and resets the status to PENDING.
func (s *PostgresStore) UpsertEditRequest(ctx context.Context, projectID, requesterID, message string) (EditRequest, error) {
	var item EditRequest
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO edit_requests (id, project_id, requester_id, message, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		ON CONFLICT (project_id, requester_id) DO UPDATE
			SET message=EXCLUDED.message, status='PENDING', updated_at=NOW()
		RETURNING id, project_id, requester_id, message, status, created_at, updated_at
	`, util.NewID("er"), projectID, requesterID, message).Scan(
		&item.ID,
		&item.ProjectID,
		&item.RequesterID,
		&item.Message,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return EditRequest{}, fmt.Errorf("upsert edit request: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ApproveEditRequests(ctx context.Context, projectID, requesterID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE edit_requests
		SET status='APPROVED', updated_at=NOW()
		WHERE project_id=$1 AND requester_id=$2 AND status='PENDING'
	`, projectID, requesterID)
	if err != nil {
		return 0, fmt.Errorf("approve edit requests: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("approve edit requests: %w", err)
	}
	return int(affected), nil
}

// ListEditRequests returns requests for a project; an empty status returns all of them.
func (s *PostgresStore) ListEditRequests(ctx context.Context, projectID, status string) ([]EditRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, requester_id, message, status, created_at, updated_at
		FROM edit_requests
		WHERE project_id=$1 AND ($2::text = '' OR status=$2::text)
		ORDER BY updated_at DESC
	`, projectID, status)
	if err != nil {
		return nil, fmt.Errorf("list edit requests: %w", err)
	}
	defer rows.Close()

	items := make([]EditRequest, 0)
	for rows.Next() {
		var item EditRequest
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.RequesterID, &item.Message, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan edit request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDiagram(ctx context.Context, projectID string) (DiagramRecord, error) {
	var item DiagramRecord
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, snapshot, updated_at
		FROM diagrams
		WHERE project_id=$1
	`, projectID).Scan(&item.ProjectID, &payload, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DiagramRecord{}, ErrNotFound
	}
	if err != nil {
		return DiagramRecord{}, fmt.Errorf("get diagram: %w", err)
	}
	item.Snapshot = payload
	return item, nil
}

// CreateDiagram inserts the initial snapshot. If a row already exists it is returned
// unchanged, so concurrent creators agree on one record.
func (s *PostgresStore) CreateDiagram(ctx context.Context, projectID string, snapshot json.RawMessage) (DiagramRecord, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO diagrams (project_id, snapshot)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (project_id) DO NOTHING
	`, projectID, string(snapshot)); err != nil {
		return DiagramRecord{}, fmt.Errorf("create diagram: %w", err)
	}
	return s.GetDiagram(ctx, projectID)
}

func (s *PostgresStore) SaveDiagram(ctx context.Context, projectID string, snapshot json.RawMessage) (DiagramRecord, error) {
	var item DiagramRecord
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO diagrams (project_id, snapshot, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (project_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=NOW()
		RETURNING project_id, snapshot, updated_at
	`, projectID, string(snapshot)).Scan(&item.ProjectID, &payload, &item.UpdatedAt)
	if err != nil {
		return DiagramRecord{}, fmt.Errorf("save diagram: %w", err)
	}
	item.Snapshot = payload
	return item, nil
}

func (s *PostgresStore) SaveShareLink(ctx context.Context, projectID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (token_hash, project_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET project_id=EXCLUDED.project_id, expires_at=EXCLUDED.expires_at
	`, tokenHash, projectID, expiresAt)
	if err != nil {
		return fmt.Errorf("save share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupShareLink(ctx context.Context, projectID, tokenHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM share_links
			WHERE token_hash=$1 AND project_id=$2 AND expires_at > NOW()
		)
	`, tokenHash, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup share link: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RevokeShareLink(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM share_links WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	return nil
}
