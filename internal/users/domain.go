// Package users lets administrators manage backend user accounts.
package users

import (
	"errors"

	"github.com/invoicedesk/invoicedesk/internal/session"
)

// User represents a user account for management.
type User struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Role      session.Role `json:"role"`
	CreatedAt string       `json:"createdAt"`
}

// CreateInput is the new-user form.
type CreateInput struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role" validate:"required,oneof=admin user"`
}

var (
	ErrAdminOnly    = errors.New("users: admin role required")
	ErrUserNotFound = errors.New("users: user not found")
	ErrInvalidID    = errors.New("users: invalid user id")
)
