package realtime

import (
	"sync"

	"go.uber.org/zap"
)

func projectGroup(projectID string) string {
	return "project:" + projectID
}

func userGroup(userID string) string {
	return "user:" + userID
}

// Hub tracks which clients belong to which broadcast group. Document groups are
// keyed by project; every identified connection also sits in its personal group.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[*Client]struct{}),
		logger: logger.Named("hub"),
	}
}

func (h *Hub) Join(group string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) Leave(group string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *Hub) Members(group string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.groups[group]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Count(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Broadcast sends event to every member of group except the given client and
// returns how many clients accepted it.
func (h *Hub) Broadcast(group, event string, payload any, except *Client) int {
	message, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, c := range h.Members(group) {
		if c == except {
			continue
		}
		if c.enqueue(message) {
			delivered++
		}
	}
	h.logger.Debug("broadcast",
		zap.String("group", group),
		zap.String("event", event),
		zap.Int("delivered", delivered),
	)
	return delivered
}
