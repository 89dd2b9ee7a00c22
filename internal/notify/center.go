// Package notify carries user-facing feedback. Publishing never blocks the
// caller and never influences control flow.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	// KindAlert stays until the operator dismisses it.
	KindAlert Kind = "alert"
)

// DefaultTTL is how long transient notifications stay visible.
const DefaultTTL = 5 * time.Second

// Message is a single notification.
type Message struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Blocking reports whether the message waits for an explicit dismissal.
func (m Message) Blocking() bool {
	return m.Kind == KindAlert
}

// Notifier is what workflow components publish to.
type Notifier interface {
	Success(title, body string) Message
	Error(title, body string) Message
	Alert(title, body string) Message
}

// Center keeps the visible notifications and fans them out to subscribers.
type Center struct {
	mu       sync.Mutex
	messages []Message
	subs     map[int]chan Message
	nextSub  int
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewCenter constructs a Center. A non-positive ttl selects DefaultTTL.
func NewCenter(ttl time.Duration, logger *slog.Logger) *Center {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		subs:   make(map[int]chan Message),
		ttl:    ttl,
		clock:  time.Now,
		logger: logger,
	}
}

// Success publishes a transient success message.
func (c *Center) Success(title, body string) Message {
	return c.publish(KindSuccess, title, body)
}

// Error publishes a transient error message.
func (c *Center) Error(title, body string) Message {
	return c.publish(KindError, title, body)
}

// Alert publishes a blocking message.
func (c *Center) Alert(title, body string) Message {
	return c.publish(KindAlert, title, body)
}

func (c *Center) publish(kind Kind, title, body string) Message {
	now := c.clock()
	msg := Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: now,
	}
	if kind != KindAlert {
		exp := now.Add(c.ttl)
		msg.ExpiresAt = &exp
	}

	c.mu.Lock()
	c.messages = append(c.pruneLocked(now), msg)
	dropped := 0
	for _, ch := range c.subs {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug("notification dropped for slow subscribers", slog.Int("count", dropped))
	}
	return msg
}

// Active returns the messages that are still visible.
func (c *Center) Active() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = c.pruneLocked(c.clock())
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Dismiss removes a message and reports whether it existed.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, msg := range c.messages {
		if msg.ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe returns a channel receiving every new message and a cancel func.
func (c *Center) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Center) pruneLocked(now time.Time) []Message {
	kept := c.messages[:0]
	for _, msg := range c.messages {
		if msg.ExpiresAt != nil && !now.Before(*msg.ExpiresAt) {
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}
