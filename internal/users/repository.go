package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/session"
)

const usersPath = "/admin/users"

// Doer executes gateway requests.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// APIRepository reads and writes accounts through the backend admin API.
type APIRepository struct {
	client Doer
}

func NewAPIRepository(client Doer) *APIRepository {
	return &APIRepository{client: client}
}

type apiUser struct {
	ID        json.RawMessage `json:"id"`
	Username  string          `json:"username"`
	Email     string          `json:"email"`
	Role      string          `json:"role"`
	CreatedAt string          `json:"created_at"`
}

func (u apiUser) toUser() User {
	return User{
		ID:        idString(u.ID),
		Name:      u.Username,
		Email:     u.Email,
		Role:      session.ParseRole(u.Role),
		CreatedAt: u.CreatedAt,
	}
}

// ListUsers returns all users.
func (r *APIRepository) ListUsers(ctx context.Context) ([]User, error) {
	res, err := r.client.Do(ctx, gateway.Request{Method: http.MethodGet, Path: usersPath})
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("users: list: %w", res.Err())
	}
	var rows []apiUser
	if err := res.Decode(&rows); err != nil && !errors.Is(err, gateway.ErrNoData) {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	out := make([]User, len(rows))
	for i, row := range rows {
		out[i] = row.toUser()
	}
	return out, nil
}

// CreateUser stores a new account and returns it as the backend saved it.
func (r *APIRepository) CreateUser(ctx context.Context, in CreateInput) (User, error) {
	res, err := r.client.Do(ctx, gateway.Request{Method: http.MethodPost, Path: usersPath, Body: in})
	if err != nil {
		return User{}, fmt.Errorf("users: create: %w", err)
	}
	if !res.Success {
		return User{}, fmt.Errorf("users: create: %w", res.Err())
	}
	var row apiUser
	if err := res.Decode(&row); err != nil {
		return User{}, fmt.Errorf("users: create: %w", err)
	}
	return row.toUser(), nil
}

// DeleteUser removes an account.
func (r *APIRepository) DeleteUser(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}
	res, err := r.client.Do(ctx, gateway.Request{Method: http.MethodDelete, Path: usersPath + "/" + url.PathEscape(id)})
	if err != nil {
		return fmt.Errorf("users: delete: %w", err)
	}
	if res.Status == http.StatusNotFound {
		return ErrUserNotFound
	}
	if !res.Success {
		return fmt.Errorf("users: delete: %w", res.Err())
	}
	return nil
}

// idString accepts numeric and string ids.
func idString(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}
