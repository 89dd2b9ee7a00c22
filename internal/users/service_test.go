package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicedesk/invoicedesk/internal/activity"
	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/notify"
	"github.com/invoicedesk/invoicedesk/internal/session"
)

type adminFlag bool

func (a adminFlag) IsAdmin() bool { return bool(a) }

type messages struct {
	mu   sync.Mutex
	list []notify.Message
}

func (m *messages) add(kind notify.Kind, title, body string) notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := notify.Message{Kind: kind, Title: title, Body: body}
	m.list = append(m.list, msg)
	return msg
}

func (m *messages) Success(title, body string) notify.Message {
	return m.add(notify.KindSuccess, title, body)
}
func (m *messages) Error(title, body string) notify.Message { return m.add(notify.KindError, title, body) }
func (m *messages) Alert(title, body string) notify.Message { return m.add(notify.KindAlert, title, body) }

type actions struct {
	mu      sync.Mutex
	details map[string]string
}

func (a *actions) Record(_ context.Context, action, details, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.details == nil {
		a.details = make(map[string]string)
	}
	a.details[action] = details
}

type adminAPI struct {
	mu    sync.Mutex
	users []map[string]any
	auth  []string
}

func newAdminAPI(t *testing.T, api *adminAPI) *APIRepository {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			api.mu.Lock()
			api.auth = append(api.auth, r.Header.Get("Authorization"))
			api.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	r.Get(usersPath, func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		_ = json.NewEncoder(w).Encode(api.users)
	})
	r.Post(usersPath, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["username"] == "taken" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"Username already exists"}`))
			return
		}
		api.mu.Lock()
		row := map[string]any{"id": len(api.users) + 10, "username": in["username"], "email": in["email"], "role": in["role"], "created_at": "2024-03-01T10:00:00"}
		api.users = append(api.users, row)
		api.mu.Unlock()
		_ = json.NewEncoder(w).Encode(row)
	})
	r.Delete(usersPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "404" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"User not found"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	tokens := session.NewStore(session.NewMemoryPersister())
	require.NoError(t, tokens.SetUserSession(context.Background(), session.User{ID: "1", Role: session.RoleAdmin}, "admin-token"))
	return NewAPIRepository(gateway.New(gateway.Config{BaseURL: srv.URL, Tokens: tokens}))
}

func TestListUsersConvertsBackendShape(t *testing.T) {
	api := &adminAPI{users: []map[string]any{
		{"id": 1, "username": "admin", "email": "admin@company.com", "role": "admin", "created_at": "2024-01-01"},
		{"id": "u-2", "username": "ops", "email": "ops@company.com", "role": "auditor"},
	}}
	svc := NewService(newAdminAPI(t, api), adminFlag(true), nil, nil, nil)

	users, err := svc.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, User{ID: "1", Name: "admin", Email: "admin@company.com", Role: session.RoleAdmin, CreatedAt: "2024-01-01"}, users[0])
	assert.Equal(t, "u-2", users[1].ID)
	assert.Equal(t, session.RoleUser, users[1].Role)
	assert.Equal(t, []string{"Bearer admin-token"}, api.auth)
}

func TestNonAdminIsRefused(t *testing.T) {
	api := &adminAPI{}
	notes := &messages{}
	svc := NewService(newAdminAPI(t, api), adminFlag(false), notes, nil, nil)
	ctx := context.Background()

	_, err := svc.ListUsers(ctx)
	require.ErrorIs(t, err, ErrAdminOnly)
	_, err = svc.CreateUser(ctx, CreateInput{Username: "x", Email: "x@y.io", Password: "secret", Role: "user"}, "")
	require.ErrorIs(t, err, ErrAdminOnly)
	require.ErrorIs(t, svc.DeleteUser(ctx, "3", "x", ""), ErrAdminOnly)

	assert.Empty(t, api.auth)
	require.Len(t, notes.list, 3)
	assert.Equal(t, "Only admin users can delete users.", notes.list[2].Body)
}

func TestCreateUserValidation(t *testing.T) {
	svc := NewService(newAdminAPI(t, &adminAPI{}), adminFlag(true), nil, nil, nil)

	cases := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{name: "missing username", in: CreateInput{Email: "a@b.io", Password: "secret", Role: "user"}, field: "Username"},
		{name: "bad email", in: CreateInput{Username: "a", Email: "nope", Password: "secret", Role: "user"}, field: "Email"},
		{name: "short password", in: CreateInput{Username: "a", Email: "a@b.io", Password: "12345", Role: "user"}, field: "Password"},
		{name: "unknown role", in: CreateInput{Username: "a", Email: "a@b.io", Password: "secret", Role: "root"}, field: "Role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateUser(context.Background(), tc.in, "")
			var fieldErrs validator.ValidationErrors
			require.True(t, errors.As(err, &fieldErrs))
			assert.Equal(t, tc.field, fieldErrs[0].Field())
		})
	}
}

func TestCreateUserRecordsAndNotifies(t *testing.T) {
	notes := &messages{}
	log := &actions{}
	svc := NewService(newAdminAPI(t, &adminAPI{}), adminFlag(true), notes, log, nil)

	user, err := svc.CreateUser(context.Background(), CreateInput{Username: "kim", Email: "kim@company.com", Password: "secret", Role: "admin"}, "")
	require.NoError(t, err)
	assert.Equal(t, "10", user.ID)
	assert.Equal(t, session.RoleAdmin, user.Role)
	assert.Equal(t, "Created new user: kim (kim@company.com) with admin role", log.details[activity.ActionUserCreated])
	require.Len(t, notes.list, 1)
	assert.Equal(t, "User kim created successfully!", notes.list[0].Body)

	_, err = svc.CreateUser(context.Background(), CreateInput{Username: "taken", Email: "t@company.com", Password: "secret", Role: "user"}, "")
	require.Error(t, err)
	assert.True(t, gateway.IsKind(err, gateway.FailureApplication))
	assert.Equal(t, "Username already exists", notes.list[1].Body)
	assert.Equal(t, notify.KindError, notes.list[1].Kind)
}

func TestDeleteUser(t *testing.T) {
	notes := &messages{}
	log := &actions{}
	svc := NewService(newAdminAPI(t, &adminAPI{}), adminFlag(true), notes, log, nil)
	ctx := context.Background()

	require.NoError(t, svc.DeleteUser(ctx, "7", "kim", ""))
	assert.Equal(t, "Deleted user: kim", log.details[activity.ActionUserDeleted])
	assert.Equal(t, "User kim deleted successfully!", notes.list[0].Body)

	require.ErrorIs(t, svc.DeleteUser(ctx, "404", "", ""), ErrUserNotFound)
	require.ErrorIs(t, svc.DeleteUser(ctx, " ", "", ""), ErrInvalidID)
}

func TestHandlerStatusCodes(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, NewService(newAdminAPI(t, &adminAPI{}), adminFlag(true), nil, nil, nil)).MountRoutes(r)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "list", method: http.MethodGet, path: "/", want: http.StatusOK},
		{name: "create", method: http.MethodPost, path: "/", body: `{"username":"kim","email":"kim@company.com","password":"secret","role":"user"}`, want: http.StatusCreated},
		{name: "create invalid", method: http.MethodPost, path: "/", body: `{"username":"kim"}`, want: http.StatusBadRequest},
		{name: "create conflict upstream", method: http.MethodPost, path: "/", body: `{"username":"taken","email":"t@company.com","password":"secret","role":"user"}`, want: http.StatusBadGateway},
		{name: "delete", method: http.MethodDelete, path: "/5?name=kim", want: http.StatusNoContent},
		{name: "delete missing", method: http.MethodDelete, path: "/404", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			res := httptest.NewRecorder()
			r.ServeHTTP(res, req)
			assert.Equal(t, tc.want, res.Code)
		})
	}
}
