// Package cache opens the Redis client holding desk-local state.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "invoicedesk"

// Options selects the Redis instance.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Redis client and verifies it answers.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Key namespaces a Redis key by desk profile, e.g. Key("default", "auth")
// yields "invoicedesk:default:auth".
func Key(profile string, parts ...string) string {
	if profile == "" {
		profile = "default"
	}
	return keyPrefix + ":" + profile + ":" + strings.Join(parts, ":")
}
