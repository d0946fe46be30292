package tenant

// Role is a closed enumeration. All mutating entry points consult
// Role.Can rather than inlining comparisons.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

func ValidRole(r string) bool {
	switch Role(r) {
	case RoleAdmin, RoleUser, RoleViewer:
		return true
	}
	return false
}

type Action string

const (
	ActionUploadDocument Action = "documents:upload"
	ActionDeleteDocument Action = "documents:delete"
	ActionSearch         Action = "search:query"
	ActionRotateKey      Action = "keys:rotate"
	ActionViewAudit      Action = "audit:read"
)

var permissions = map[Role]map[Action]bool{
	RoleAdmin: {
		ActionUploadDocument: true,
		ActionDeleteDocument: true,
		ActionSearch:         true,
		ActionRotateKey:      true,
		ActionViewAudit:      true,
	},
	RoleUser: {
		ActionUploadDocument: true,
		ActionDeleteDocument: true,
		ActionSearch:         true,
	},
	RoleViewer: {
		ActionSearch: true,
	},
}

func (r Role) Can(a Action) bool {
	return permissions[r][a]
}
