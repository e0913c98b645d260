package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims is the payload of access tokens issued by the identity provider.
type JWTClaims struct {
	UserID    string   `json:"user_id"`
	Role      UserRole `json:"role"`
	PartnerID string   `json:"partner_id,omitempty"`
	Email     string   `json:"email"`
	FullName  string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the engine's actor identity.
func (c *JWTClaims) Actor() Actor {
	if c == nil {
		return Actor{}
	}
	return Actor{ID: c.UserID, Role: c.Role, PartnerID: c.PartnerID}
}
