package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/console-cli/tokenstore"
)

// Token store backends selectable with -token-store.
const (
	storeFile    = "file"
	storeKeyring = "keyring"
	storeRedis   = "redis"
	storeMemory  = "memory"
)

const redisPingTimeout = 3 * time.Second

// openStore builds the credential store for kind. The returned func releases
// any connection the store holds.
func openStore(ctx context.Context, kind, profile string) (tokenstore.Store, func(), error) {
	noop := func() {}
	log := appLogger()

	switch kind {
	case storeFile:
		return tokenstore.NewFileStore(tokenFile, profile, tokenstore.WithFileLogger(log)), noop, nil

	case storeKeyring:
		return tokenstore.NewKeyringStore(keyringService, profile, log), noop, nil

	case storeRedis:
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis unavailable at %s: %w", opts.Addr, err)
		}

		store := tokenstore.NewRedisStore(client, profile, tokenstore.WithRedisLogger(log))
		return store, func() {
			if err := client.Close(); err != nil {
				log.Warn("failed to close redis client", "error", err)
			}
		}, nil

	case storeMemory:
		return tokenstore.NewMemoryStore(), noop, nil

	default:
		return nil, nil, fmt.Errorf(
			"unknown token store %q (expected %s, %s, %s or %s)",
			kind, storeFile, storeKeyring, storeRedis, storeMemory,
		)
	}
}
