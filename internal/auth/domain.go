// Package auth signs the operator in against the invoice backend and ends the
// session on logout or expiry.
package auth

import (
	"errors"
	"time"

	"github.com/invoicedesk/invoicedesk/internal/session"
)

// LoginInput is the sign-in form.
type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// DemoAccounts maps a username to a bcrypt hash. They are only consulted
// when the backend cannot be reached.
type DemoAccounts map[string]string

const (
	adminUsername = "admin"
	emailDomain   = "@company.com"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrNotSignedIn        = errors.New("auth: not signed in")
)

// SessionInfo is what the UI reads on start-up.
type SessionInfo struct {
	Authenticated  bool          `json:"authenticated"`
	User           *session.User `json:"user,omitempty"`
	SessionExpired bool          `json:"session_expired"`
	CheckedAt      time.Time     `json:"checked_at"`
}
