// Package activity keeps the capped operator activity log.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/invoicedesk/invoicedesk/internal/platform/cache"
	"github.com/invoicedesk/invoicedesk/internal/session"
)

// DefaultLimit is how many entries are kept.
const DefaultLimit = 100

// Actions recorded by the desk.
const (
	ActionLogin          = "User Login"
	ActionLogout         = "User Logout"
	ActionSessionExpired = "Session Expired"
	ActionUserCreated    = "User Created"
	ActionUserDeleted    = "User Deleted"
)

// Entry is one recorded action.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ip_address"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	UserID string
	Action string
}

func (f Filter) match(e Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && !strings.EqualFold(e.Action, f.Action) {
		return false
	}
	return true
}

// RedisLog stores entries newest first in a capped Redis list.
type RedisLog struct {
	client *redis.Client
	key    string
	limit  int64
}

// NewRedisLog constructs a RedisLog for a desk profile. A non-positive limit
// selects DefaultLimit.
func NewRedisLog(client *redis.Client, profile string, limit int) *RedisLog {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RedisLog{client: client, key: cache.Key(profile, "user_activities"), limit: int64(limit)}
}

// Append pushes e and trims the list to the limit.
func (l *RedisLog) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("activity: encode entry: %w", err)
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, l.key, payload)
		pipe.LTrim(ctx, l.key, 0, l.limit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("activity: append: %w", err)
	}
	return nil
}

// List returns matching entries, newest first. Undecodable entries are
// skipped.
func (l *RedisLog) List(ctx context.Context, f Filter) ([]Entry, error) {
	raw, err := l.client.LRange(ctx, l.key, 0, l.limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("activity: list: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Store is where the Recorder writes.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// CurrentUser resolves the signed-in operator.
type CurrentUser interface {
	UserSession() (session.UserSession, bool)
}

// Recorder stamps entries with the signed-in operator.
type Recorder struct {
	store  Store
	users  CurrentUser
	logger *slog.Logger
	clock  func() time.Time
}

func NewRecorder(store Store, users CurrentUser, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, users: users, logger: logger, clock: time.Now}
}

// Record appends an entry for the current operator. Nothing is written when
// nobody is signed in. Failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, action, details, ip string) {
	sess, ok := r.users.UserSession()
	if !ok {
		return
	}
	r.RecordFor(ctx, sess.User, action, details, ip)
}

// RecordFor appends an entry for user.
func (r *Recorder) RecordFor(ctx context.Context, user session.User, action, details, ip string) {
	if ip == "" {
		ip = "127.0.0.1"
	}
	entry := Entry{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		UserName:  user.Name,
		Action:    action,
		Details:   details,
		Timestamp: r.clock().UTC(),
		IPAddress: ip,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Warn("record activity", slog.String("action", action), slog.Any("error", err))
	}
}

// List reads the log.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	return r.store.List(ctx, f)
}

var _ Store = (*RedisLog)(nil)
