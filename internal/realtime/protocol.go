package realtime

import (
	"encoding/json"

	"diagramsync/api/internal/rbac"
	"diagramsync/api/internal/snapshot"
)

// Client to server events.
const (
	EventJoin        = "join"
	EventPatch       = "patch"
	EventRequestEdit = "requestEdit"
	EventApproveEdit = "approveEdit"
)

// Server to client events.
const (
	EventJoined        = "joined"
	EventJoinDenied    = "joinDenied"
	EventRemotePatch   = "remotePatch"
	EventEditDenied    = "editDenied"
	EventEditGranted   = "editGranted"
	EventRequestQueued = "requestQueued"
	EventEditRequest   = "editRequest"
	EventMemberUpdated = "memberUpdated"
	EventPresence      = "presence"
)

const (
	ReasonInvalidShareLink = "invalid_share_link"
	ReasonUnauthorized     = "unauthorized"
	ReasonUnavailable      = "unavailable"
	ReasonNoPermission     = "no_permission"
	ReasonLoginRequired    = "login_required"
)

const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	ProjectID  string `json:"projectId"`
	ShareToken string `json:"shareToken,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
}

type JoinedPayload struct {
	Snapshot snapshot.Snapshot `json:"snapshot"`
	Role     rbac.Role         `json:"role"`
}

type DeniedPayload struct {
	Reason string `json:"reason"`
}

type PatchPayload struct {
	ProjectID string         `json:"projectId"`
	Patch     snapshot.Patch `json:"patch"`
}

type RequestEditPayload struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message,omitempty"`
}

type EditGrantedPayload struct {
	Role rbac.Role `json:"role"`
}

type EditRequestPayload struct {
	ProjectID   string `json:"projectId"`
	RequesterID string `json:"requesterId"`
	RequestID   string `json:"requestId"`
	Message     string `json:"message"`
}

type ApproveEditPayload struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      string `json:"role,omitempty"`
}

type MemberUpdatedPayload struct {
	UserID string    `json:"userId"`
	Role   rbac.Role `json:"role"`
}

// PresencePayload carries a null userId for anonymous share-link guests.
type PresencePayload struct {
	UserID *string   `json:"userId"`
	Role   rbac.Role `json:"role,omitempty"`
	Event  string    `json:"event"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func optionalUser(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}
