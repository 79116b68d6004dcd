// Package valkey connects the gateway to its Valkey instance through the go-redis client, which speaks the same
// protocol.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses the connection URL, dials, and pings to verify the instance is reachable. go-redis only accepts
// redis:// and rediss:// schemes, so the valkey equivalents are rewritten before parsing.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(rewriteScheme(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

func rewriteScheme(rawURL string) string {
	for old, repl := range map[string]string{"valkey://": "redis://", "valkeys://": "rediss://"} {
		if len(rawURL) >= len(old) && strings.EqualFold(rawURL[:len(old)], old) {
			return repl + rawURL[len(old):]
		}
	}
	return rawURL
}
