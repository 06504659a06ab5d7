package rbac

type Role string
type Action string

const (
	RoleViewer Role = "VIEWER"
	RoleEditor Role = "EDITOR"
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionApprove Action = "approve"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a stored role string onto a known role. Unknown values are viewers.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// NormalizeGrant restricts a role handed out by an approval to EDITOR or VIEWER.
// An empty value means EDITOR; anything else becomes VIEWER.
func NormalizeGrant(role string) Role {
	switch Role(role) {
	case "", RoleEditor:
		return RoleEditor
	default:
		return RoleViewer
	}
}
