package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/invoicedesk/invoicedesk/internal/activity"
	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/notify"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, in CreateInput) (User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Admins reports whether the signed-in operator is an administrator.
type Admins interface {
	IsAdmin() bool
}

// Recorder writes activity entries for the signed-in operator.
type Recorder interface {
	Record(ctx context.Context, action, details, ip string)
}

type Service struct {
	repo      RepositoryPort
	admins    Admins
	notifier  notify.Notifier
	activity  Recorder
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, admins Admins, notifier notify.Notifier, recorder Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		admins:    admins,
		notifier:  notifier,
		activity:  recorder,
		logger:    logger,
		validator: validator.New(),
	}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	if !s.admins.IsAdmin() {
		s.notifyError("Only admin users can access user management.")
		return nil, ErrAdminOnly
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		s.notifyError(failureMessage(err, "Failed to fetch users. Please try again."))
		return nil, err
	}
	return users, nil
}

// CreateUser validates in and creates the account.
func (s *Service) CreateUser(ctx context.Context, in CreateInput, ip string) (User, error) {
	if !s.admins.IsAdmin() {
		s.notifyError("Only admin users can create users.")
		return User{}, ErrAdminOnly
	}
	if err := s.validator.Struct(in); err != nil {
		return User{}, fmt.Errorf("users: create: %w", err)
	}
	user, err := s.repo.CreateUser(ctx, in)
	if err != nil {
		s.notifyError(failureMessage(err, "Failed to create user. Please try again."))
		return User{}, err
	}
	s.record(ctx, activity.ActionUserCreated,
		fmt.Sprintf("Created new user: %s (%s) with %s role", user.Name, user.Email, user.Role), ip)
	if s.notifier != nil {
		s.notifier.Success("User Created", fmt.Sprintf("User %s created successfully!", user.Name))
	}
	return user, nil
}

// DeleteUser removes the account with id. name is only used in messages.
func (s *Service) DeleteUser(ctx context.Context, id, name, ip string) error {
	if !s.admins.IsAdmin() {
		s.notifyError("Only admin users can delete users.")
		return ErrAdminOnly
	}
	if name == "" {
		name = id
	}
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		s.notifyError(failureMessage(err, "Failed to delete user. Please try again."))
		return err
	}
	s.record(ctx, activity.ActionUserDeleted, "Deleted user: "+name, ip)
	if s.notifier != nil {
		s.notifier.Success("User Deleted", fmt.Sprintf("User %s deleted successfully!", name))
	}
	return nil
}

func (s *Service) notifyError(body string) {
	if s.notifier != nil {
		s.notifier.Error("User Management", body)
	}
}

func (s *Service) record(ctx context.Context, action, details, ip string) {
	if s.activity != nil {
		s.activity.Record(ctx, action, details, ip)
	}
}

func failureMessage(err error, fallback string) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		return gwErr.Message
	}
	return fallback
}
