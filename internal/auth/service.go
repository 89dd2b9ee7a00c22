package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/invoicedesk/invoicedesk/internal/activity"
	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/session"
)

// Doer executes gateway requests.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// Sessions is the user half of the session store.
type Sessions interface {
	SetUserSession(ctx context.Context, user session.User, token string) error
	ClearUserSession(ctx context.Context, reason session.ClearReason) error
	UserSession() (session.UserSession, bool)
	ConsumeExpiredNotice(ctx context.Context) (bool, error)
}

// Recorder writes activity entries.
type Recorder interface {
	RecordFor(ctx context.Context, user session.User, action, details, ip string)
}

// Metrics counts forced logouts.
type Metrics interface {
	ObserveSessionExpired()
}

type ServiceConfig struct {
	Client   Doer
	Sessions Sessions
	Activity Recorder
	Demo     DemoAccounts
	Metrics  Metrics
	Logger   *slog.Logger
}

// Service wraps authentication business rules.
type Service struct {
	client    Doer
	sessions  Sessions
	activity  Recorder
	demo      DemoAccounts
	metrics   Metrics
	logger    *slog.Logger
	validator *validator.Validate
	clock     func() time.Time
}

// NewService constructs a new Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:    cfg.Client,
		sessions:  cfg.Sessions,
		activity:  cfg.Activity,
		demo:      cfg.Demo,
		metrics:   cfg.Metrics,
		logger:    logger,
		validator: validator.New(),
		clock:     time.Now,
	}
}

type loginResponse struct {
	Success bool `json:"success"`
	User    struct {
		ID       json.RawMessage `json:"id"`
		Username string          `json:"username"`
		Email    string          `json:"email"`
		Role     string          `json:"role"`
	} `json:"user"`
	AccessToken string `json:"access_token"`
}

// Login signs the operator in. Demo accounts are tried only when the backend
// could not be reached.
func (s *Service) Login(ctx context.Context, in LoginInput, ip string) (session.UserSession, error) {
	if err := s.validator.Struct(in); err != nil {
		return session.UserSession{}, fmt.Errorf("auth: login: %w", err)
	}

	res, err := s.client.Do(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Body:        map[string]string{"username": in.Username, "password": in.Password},
		KeepSession: true,
	})
	if err != nil {
		return session.UserSession{}, fmt.Errorf("auth: login: %w", err)
	}

	var user session.User
	var token string
	switch {
	case res.Success:
		var payload loginResponse
		if err := res.Decode(&payload); err != nil || !payload.Success || payload.AccessToken == "" {
			return session.UserSession{}, ErrInvalidCredentials
		}
		user, token = s.backendUser(in.Username, payload), payload.AccessToken
	case res.Kind == gateway.FailureTransport && len(s.demo) > 0:
		demoUser, ok := s.demoUser(in)
		if !ok {
			return session.UserSession{}, ErrInvalidCredentials
		}
		s.logger.Info("backend unreachable, signed in with demo account", slog.String("username", in.Username))
		user, token = demoUser, "demo_token_"+strconv.FormatInt(s.clock().UnixMilli(), 10)
	case res.Kind == gateway.FailureTransport:
		return session.UserSession{}, res.Err()
	default:
		return session.UserSession{}, ErrInvalidCredentials
	}

	if err := s.sessions.SetUserSession(ctx, user, token); err != nil {
		return session.UserSession{}, fmt.Errorf("auth: login: %w", err)
	}
	s.record(ctx, user, activity.ActionLogin, fmt.Sprintf("User %s logged in successfully", user.Name), ip)
	return session.UserSession{User: user, Token: token}, nil
}

func (s *Service) backendUser(username string, payload loginResponse) session.User {
	now := s.clock().UTC()
	name := payload.User.Username
	if name == "" {
		name = username
	}
	email := payload.User.Email
	if email == "" {
		email = username + emailDomain
	}
	return session.User{
		ID:        rawID(payload.User.ID),
		Name:      name,
		Email:     email,
		Role:      session.ParseRole(payload.User.Role),
		CreatedAt: now,
		LastLogin: now,
	}
}

func (s *Service) demoUser(in LoginInput) (session.User, bool) {
	hash, ok := s.demo[in.Username]
	if !ok {
		return session.User{}, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)); err != nil {
		return session.User{}, false
	}
	now := s.clock().UTC()
	user := session.User{
		ID:        "2",
		Name:      "Demo User",
		Email:     in.Username + emailDomain,
		Role:      session.RoleUser,
		CreatedAt: now,
		LastLogin: now,
	}
	if in.Username == adminUsername {
		user.ID, user.Name, user.Role = "1", "Demo Admin", session.RoleAdmin
	}
	return user, true
}

// Logout ends the session at the operator's request.
func (s *Service) Logout(ctx context.Context, ip string) error {
	sess, ok := s.sessions.UserSession()
	if !ok {
		return ErrNotSignedIn
	}
	s.record(ctx, sess.User, activity.ActionLogout, fmt.Sprintf("User %s logged out", sess.User.Name), ip)
	if err := s.sessions.ClearUserSession(ctx, session.ReasonLogout); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	return nil
}

// Expire ends the session after the backend rejected the token. The gateway
// calls it at most once per burst of rejected requests.
func (s *Service) Expire(ctx context.Context) {
	sess, ok := s.sessions.UserSession()
	if !ok {
		return
	}
	s.record(ctx, sess.User, activity.ActionSessionExpired, fmt.Sprintf("User %s session expired", sess.User.Name), "")
	if err := s.sessions.ClearUserSession(ctx, session.ReasonExpired); err != nil {
		s.logger.Error("clear expired session", slog.Any("error", err))
	}
	if s.metrics != nil {
		s.metrics.ObserveSessionExpired()
	}
	s.logger.Info("user session expired", slog.String("user_id", sess.User.ID))
}

// Session reports the signed-in operator and whether the last session ended
// by expiry. The expiry notice is returned once.
func (s *Service) Session(ctx context.Context) SessionInfo {
	info := SessionInfo{CheckedAt: s.clock().UTC()}
	if sess, ok := s.sessions.UserSession(); ok {
		user := sess.User
		info.Authenticated = true
		info.User = &user
		return info
	}
	expired, err := s.sessions.ConsumeExpiredNotice(ctx)
	if err != nil {
		s.logger.Warn("read session expired notice", slog.Any("error", err))
	}
	info.SessionExpired = expired
	return info
}

func (s *Service) record(ctx context.Context, user session.User, action, details, ip string) {
	if s.activity != nil {
		s.activity.RecordFor(ctx, user, action, details, ip)
	}
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
