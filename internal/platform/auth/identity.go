// Package auth derives the caller's identity from the bearer token the desk
// was started with, and guards the relay's publish endpoint. Session
// management itself belongs to the identity provider.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no access token configured")
	ErrTokenExpired = errors.New("access token has expired")
	ErrMissingClaim = errors.New("access token has no subject")
)

// Role names carried in the roles claim.
const (
	RolePatient = "PATIENT"
	RoleStaff   = "STAFF"
	RoleAdmin   = "ADMIN"
)

// Claims is the token payload the clinic identity provider issues.
type Claims struct {
	jwt.RegisteredClaims
	PatientID string   `json:"patient_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// Identity is the authenticated principal as seen by the desk.
type Identity struct {
	Subject   string
	PatientID string
	Name      string
	Roles     []string
	ExpiresAt time.Time
	Token     string
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsStaff is true for clinic staff and administrators.
func (i Identity) IsStaff() bool {
	return i.HasRole(RoleStaff) || i.HasRole(RoleAdmin)
}

// Patient returns the patient id the identity books for. Tokens without an
// explicit patient_id claim fall back to the subject when the PATIENT role is
// present.
func (i Identity) Patient() (string, bool) {
	if i.PatientID != "" {
		return i.PatientID, true
	}
	if i.HasRole(RolePatient) && i.Subject != "" {
		return i.Subject, true
	}
	return "", false
}

// IdentityFromToken reads the claims of a bearer token. The signature is
// verified by the backend on every request; the desk only needs the claims,
// so parsing is unverified. Expiry is still enforced against now.
func IdentityFromToken(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrNoToken
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}

	if claims.Subject == "" {
		return Identity{}, ErrMissingClaim
	}

	id := Identity{
		Subject:   claims.Subject,
		PatientID: claims.PatientID,
		Name:      claims.Name,
		Roles:     claims.Roles,
		Token:     token,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(id.ExpiresAt) {
			return Identity{}, ErrTokenExpired
		}
	}
	return id, nil
}
