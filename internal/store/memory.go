package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"diagramsync/api/internal/util"
)

type memberKey struct {
	projectID string
	userID    string
}

type shareLink struct {
	projectID string
	expiresAt time.Time
}

// MemoryStore keeps everything in process. It backs STORE_DRIVER=memory and the
// registry and gateway tests.
type MemoryStore struct {
	mu           sync.RWMutex
	projects     map[string]Project
	members      map[memberKey]Membership
	editRequests map[memberKey]EditRequest
	diagrams     map[string]DiagramRecord
	shareLinks   map[string]shareLink
	now          func() time.Time

	diagramReads  int
	diagramWrites int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:     make(map[string]Project),
		members:      make(map[memberKey]Membership),
		editRequests: make(map[memberKey]EditRequest),
		diagrams:     make(map[string]DiagramRecord),
		shareLinks:   make(map[string]shareLink),
		now:          time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateProject(_ context.Context, project Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[project.ID]; exists {
		return fmt.Errorf("insert project: %s already exists", project.ID)
	}
	project.CreatedAt = s.now()
	s.projects[project.ID] = project
	s.members[memberKey{project.ID, project.OwnerID}] = Membership{
		ProjectID: project.ID,
		UserID:    project.OwnerID,
		Role:      "OWNER",
		CreatedAt: project.CreatedAt,
	}
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

func (s *MemoryStore) GetMembership(_ context.Context, projectID, userID string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.members[memberKey{projectID, userID}]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return member, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, projectID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Membership, 0)
	for key, member := range s.members {
		if key.projectID == projectID {
			items = append(items, member)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].UserID < items[j].UserID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) UpsertMembership(_ context.Context, projectID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{projectID, userID}
	member, ok := s.members[key]
	if !ok {
		member = Membership{ProjectID: projectID, UserID: userID, CreatedAt: s.now()}
	}
	member.Role = role
	s.members[key] = member
	return nil
}

func (s *MemoryStore) UpsertEditRequest(_ context.Context, projectID, requesterID, message string) (EditRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{projectID, requesterID}
	now := s.now()
	request, ok := s.editRequests[key]
	if !ok {
		request = EditRequest{
			ID:          util.NewID("er"),
			ProjectID:   projectID,
			RequesterID: requesterID,
			CreatedAt:   now,
		}
	}
	request.Message = message
	request.Status = EditRequestPending
	request.UpdatedAt = now
	s.editRequests[key] = request
	return request, nil
}

func (s *MemoryStore) ApproveEditRequests(_ context.Context, projectID, requesterID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{projectID, requesterID}
	request, ok := s.editRequests[key]
	if !ok || request.Status != EditRequestPending {
		return 0, nil
	}
	request.Status = EditRequestApproved
	request.UpdatedAt = s.now()
	s.editRequests[key] = request
	return 1, nil
}

func (s *MemoryStore) ListEditRequests(_ context.Context, projectID, status string) ([]EditRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]EditRequest, 0)
	for key, request := range s.editRequests {
		if key.projectID != projectID {
			continue
		}
		if status != "" && request.Status != status {
			continue
		}
		items = append(items, request)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) GetDiagram(_ context.Context, projectID string) (DiagramRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagramReads++
	record, ok := s.diagrams[projectID]
	if !ok {
		return DiagramRecord{}, ErrNotFound
	}
	return copyRecord(record), nil
}

func (s *MemoryStore) CreateDiagram(_ context.Context, projectID string, snapshot json.RawMessage) (DiagramRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.diagrams[projectID]; ok {
		return copyRecord(record), nil
	}
	record := DiagramRecord{ProjectID: projectID, Snapshot: append(json.RawMessage(nil), snapshot...), UpdatedAt: s.now()}
	s.diagrams[projectID] = record
	return copyRecord(record), nil
}

func (s *MemoryStore) SaveDiagram(_ context.Context, projectID string, snapshot json.RawMessage) (DiagramRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagramWrites++
	record := DiagramRecord{ProjectID: projectID, Snapshot: append(json.RawMessage(nil), snapshot...), UpdatedAt: s.now()}
	s.diagrams[projectID] = record
	return copyRecord(record), nil
}

func (s *MemoryStore) SaveShareLink(_ context.Context, projectID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shareLinks[tokenHash] = shareLink{projectID: projectID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupShareLink(_ context.Context, projectID, tokenHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.shareLinks[tokenHash]
	if !ok {
		return false, nil
	}
	return link.projectID == projectID && s.now().Before(link.expiresAt), nil
}

func (s *MemoryStore) RevokeShareLink(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shareLinks, tokenHash)
	return nil
}

// DiagramStats reports how many snapshot reads and SaveDiagram writes have happened.
func (s *MemoryStore) DiagramStats() (reads, writes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diagramReads, s.diagramWrites
}

func copyRecord(record DiagramRecord) DiagramRecord {
	record.Snapshot = append(json.RawMessage(nil), record.Snapshot...)
	return record
}
