package rbac

type Access string
type Action string

const (
	AccessReader Access = "reader"
	AccessMember Access = "member"
	AccessOwner  Access = "owner"
)

const (
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	ActionManage   Action = "manage"
)

// Library describes the library a session is bound to. Group libraries are
// shared; user libraries belong to a single account.
type Library struct {
	Key     string
	IsGroup bool
	Access  Access
}

func Can(access Access, action Action) bool {
	switch access {
	case AccessOwner:
		return true
	case AccessMember:
		return action == ActionRead || action == ActionAnnotate
	case AccessReader:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(access string) Access {
	switch Access(access) {
	case AccessReader, AccessMember, AccessOwner:
		return Access(access)
	default:
		return AccessReader
	}
}

// ReadOnly reports whether the viewer must be opened without editing:
// the annotate action is denied.
func (l Library) ReadOnly() bool {
	return !Can(l.Access, ActionAnnotate)
}

// AuthorName returns the display name attached to annotations created in
// the viewer. Only group libraries label authors; in a user's own library
// the field stays empty.
func (l Library) AuthorName(userSlug string) string {
	if l.IsGroup {
		return userSlug
	}
	return ""
}
