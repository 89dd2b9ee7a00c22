package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Persister keeps the user session in durable storage.
type Persister interface {
	SaveUserSession(ctx context.Context, sess UserSession) error
	LoadUserSession(ctx context.Context) (*UserSession, error)
	DeleteUserSession(ctx context.Context) error
	SetExpiredNotice(ctx context.Context, on bool) error
	PopExpiredNotice(ctx context.Context) (bool, error)
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithERPWindow overrides the nominal ERP session lifetime and the freshness
// threshold.
func WithERPWindow(ttl, freshness time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.erpTTL = ttl
		}
		if freshness > 0 {
			s.freshness = freshness
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is the single writer for both sessions.
type Store struct {
	mu        sync.RWMutex
	user      *UserSession
	erp       *ERPSession
	persist   Persister
	clock     func() time.Time
	erpTTL    time.Duration
	freshness time.Duration
	logger    *slog.Logger
}

// NewStore constructs a Store backed by persist.
func NewStore(persist Persister, opts ...Option) *Store {
	if persist == nil {
		persist = NewMemoryPersister()
	}
	s := &Store{
		persist:   persist,
		clock:     time.Now,
		erpTTL:    DefaultERPSessionTTL,
		freshness: DefaultERPFreshness,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads a previously persisted user session.
func (s *Store) Restore(ctx context.Context) error {
	sess, err := s.persist.LoadUserSession(ctx)
	if err != nil {
		return fmt.Errorf("session: restore: %w", err)
	}
	s.mu.Lock()
	s.user = sess
	s.mu.Unlock()
	return nil
}

// SetUserSession replaces the current user session and persists it.
func (s *Store) SetUserSession(ctx context.Context, user User, token string) error {
	if token == "" {
		return fmt.Errorf("session: set user session: empty token")
	}
	sess := UserSession{User: user, Token: token}
	if err := s.persist.SaveUserSession(ctx, sess); err != nil {
		return fmt.Errorf("session: persist user session: %w", err)
	}
	if err := s.persist.SetExpiredNotice(ctx, false); err != nil {
		s.logger.Warn("clear session expired notice", slog.Any("error", err))
	}
	s.mu.Lock()
	s.user = &sess
	s.mu.Unlock()
	return nil
}

// ClearUserSession ends the user session. The ERP session goes with it.
func (s *Store) ClearUserSession(ctx context.Context, reason ClearReason) error {
	s.mu.Lock()
	s.user = nil
	s.erp = nil
	s.mu.Unlock()

	if err := s.persist.DeleteUserSession(ctx); err != nil {
		return fmt.Errorf("session: delete user session: %w", err)
	}
	if err := s.persist.SetExpiredNotice(ctx, reason == ReasonExpired); err != nil {
		return fmt.Errorf("session: record %s notice: %w", reason, err)
	}
	return nil
}

// UserSession returns a copy of the current user session.
func (s *Store) UserSession() (UserSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return UserSession{}, false
	}
	return *s.user, true
}

// Token returns the user bearer token or an empty string.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.Token
}

// IsAdmin reports whether the current operator holds the admin role.
func (s *Store) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.User.Role == RoleAdmin
}

// ConsumeExpiredNotice returns true once after a session ended by expiry.
func (s *Store) ConsumeExpiredNotice(ctx context.Context) (bool, error) {
	seen, err := s.persist.PopExpiredNotice(ctx)
	if err != nil {
		return false, fmt.Errorf("session: pop expired notice: %w", err)
	}
	return seen, nil
}

// SetERPSession stores an ERP token issued now.
func (s *Store) SetERPSession(token string) ERPSession {
	sess := ERPSession{Token: token, ExpiresAt: s.clock().Add(s.erpTTL)}
	s.mu.Lock()
	s.erp = &sess
	s.mu.Unlock()
	return sess
}

// ERPSession returns the current ERP session regardless of validity.
func (s *Store) ERPSession() (ERPSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.erp == nil {
		return ERPSession{}, false
	}
	return *s.erp, true
}

// ClearERPSession drops the ERP token.
func (s *Store) ClearERPSession() {
	s.mu.Lock()
	s.erp = nil
	s.mu.Unlock()
}

// CheckERPSession explains why the ERP session cannot be used, or returns nil.
// Age is measured from issuance, derived as ExpiresAt minus the nominal
// lifetime.
func (s *Store) CheckERPSession() error {
	s.mu.RLock()
	erp := s.erp
	s.mu.RUnlock()

	if erp == nil || erp.Token == "" {
		return ErrERPNotAuthenticated
	}
	now := s.clock()
	if now.After(erp.ExpiresAt) {
		return ErrERPExpired
	}
	issuedAt := erp.ExpiresAt.Add(-s.erpTTL)
	if now.Sub(issuedAt) > s.freshness {
		return ErrERPStale
	}
	return nil
}

// IsERPSessionValid reports whether a push may use the ERP token.
func (s *Store) IsERPSessionValid() bool {
	return s.CheckERPSession() == nil
}

// ERPToken returns the ERP token when the session is valid.
func (s *Store) ERPToken() (string, error) {
	if err := s.CheckERPSession(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.erp == nil {
		return "", ErrERPNotAuthenticated
	}
	return s.erp.Token, nil
}
