package rbac

import "family-calls/internal/calls"

// Role names. Participant roles match the call record's role values.
const (
	RoleChild        = string(calls.RoleChild)
	RoleParent       = string(calls.RoleParent)
	RoleFamilyMember = string(calls.RoleFamilyMember)
	RoleSupport      = "support" // hidden role
)

// Adults are the roles on the parent side of a call.
var Adults = []string{RoleParent, RoleFamilyMember}

// Participants are the roles that place and receive calls.
var Participants = []string{RoleChild, RoleParent, RoleFamilyMember}

func IsHiddenRole(role string) bool { return role == RoleSupport }

// Participant converts a verified role into a call role.
func Participant(role string) (calls.Role, bool) {
	r := calls.Role(role)
	return r, r.Valid()
}
