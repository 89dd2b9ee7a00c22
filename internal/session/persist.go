package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/invoicedesk/invoicedesk/internal/platform/cache"
)

// RedisPersister stores the session record for one desk profile in Redis.
type RedisPersister struct {
	client  *redis.Client
	profile string
}

// NewRedisPersister constructs a persister keyed by profile.
func NewRedisPersister(client *redis.Client, profile string) *RedisPersister {
	return &RedisPersister{client: client, profile: profile}
}

func (p *RedisPersister) authKey() string {
	return cache.Key(p.profile, "auth")
}

func (p *RedisPersister) noticeKey() string {
	return cache.Key(p.profile, "session_expired")
}

// SaveUserSession writes the {user, token} record.
func (p *RedisPersister) SaveUserSession(ctx context.Context, sess UserSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return p.client.Set(ctx, p.authKey(), payload, 0).Err()
}

// LoadUserSession returns nil when nothing is stored. A corrupt record is
// discarded rather than reported.
func (p *RedisPersister) LoadUserSession(ctx context.Context) (*UserSession, error) {
	raw, err := p.client.Get(ctx, p.authKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess UserSession
	if err := json.Unmarshal(raw, &sess); err != nil || sess.Token == "" {
		_ = p.client.Del(ctx, p.authKey()).Err()
		return nil, nil
	}
	return &sess, nil
}

// DeleteUserSession removes the stored record.
func (p *RedisPersister) DeleteUserSession(ctx context.Context) error {
	return p.client.Del(ctx, p.authKey()).Err()
}

// SetExpiredNotice raises or clears the expiry notice.
func (p *RedisPersister) SetExpiredNotice(ctx context.Context, on bool) error {
	if !on {
		return p.client.Del(ctx, p.noticeKey()).Err()
	}
	return p.client.Set(ctx, p.noticeKey(), "true", 0).Err()
}

// PopExpiredNotice reads and clears the notice atomically.
func (p *RedisPersister) PopExpiredNotice(ctx context.Context) (bool, error) {
	val, err := p.client.GetDel(ctx, p.noticeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "true", nil
}

// MemoryPersister keeps the session in process memory.
type MemoryPersister struct {
	mu     sync.Mutex
	sess   *UserSession
	notice bool
}

// NewMemoryPersister constructs an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (m *MemoryPersister) SaveUserSession(_ context.Context, sess UserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = &sess
	return nil
}

func (m *MemoryPersister) LoadUserSession(context.Context) (*UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, nil
	}
	copied := *m.sess
	return &copied, nil
}

func (m *MemoryPersister) DeleteUserSession(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	return nil
}

func (m *MemoryPersister) SetExpiredNotice(_ context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notice = on
	return nil
}

func (m *MemoryPersister) PopExpiredNotice(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.notice
	m.notice = false
	return seen, nil
}
