package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// ProfileID is the participant id the holder signals as (child, parent or
// family member row); FamilyID scopes every record the holder may touch.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	ProfileID string    `json:"profile_id"`
	Role      string    `json:"role"`
	FamilyID  string    `json:"family_id"`
	TokenType TokenType `json:"token_type"`
}

// Identity is the verified caller of a request.
type Identity struct {
	UserID    string
	ProfileID string
	Role      string
	FamilyID  string
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, ProfileID: c.ProfileID, Role: c.Role, FamilyID: c.FamilyID}
}
