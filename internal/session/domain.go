// Package session holds the operator's user session and the separate ERP
// session, each with its own invalidation rules.
package session

import (
	"errors"
	"time"
)

// Role identifies the operator's privileges.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ParseRole normalises a backend role value. Anything other than admin is a
// regular user.
func ParseRole(v string) Role {
	if Role(v) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// User is the identity attached to a user session.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	LastLogin time.Time `json:"lastLogin,omitempty"`
}

// UserSession is the persisted {user, token} record.
type UserSession struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// ERPSession is the bearer token issued by the ERP login. ExpiresAt is a
// client-side estimate.
type ERPSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ClearReason explains why a user session ended.
type ClearReason int

const (
	ReasonLogout ClearReason = iota
	ReasonExpired
)

func (r ClearReason) String() string {
	if r == ReasonExpired {
		return "expired"
	}
	return "logout"
}

// Defaults for the ERP session.
const (
	DefaultERPSessionTTL = time.Hour
	DefaultERPFreshness  = 5 * time.Minute
)

var (
	ErrNoUserSession       = errors.New("session: no user session")
	ErrERPNotAuthenticated = errors.New("session: erp login required")
	ErrERPExpired          = errors.New("session: erp session expired")
	ErrERPStale            = errors.New("session: erp token exceeded freshness window")
)
