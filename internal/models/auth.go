package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	Email          string `json:"email"`
	FullName       string `json:"full_name"`
	jwt.RegisteredClaims
}

// Actor identifies the user performing a case operation.
type Actor struct {
	UserID         string
	OrganizationID string
	Role           string
}

// Actor derives the acting identity from the token claims.
func (c *JWTClaims) Actor() Actor {
	return Actor{UserID: c.UserID, OrganizationID: c.OrganizationID, Role: c.Role}
}
