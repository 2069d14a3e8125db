// Package cmd provides common initialization for the command-line binaries:
// persistence, event bus, suspension store and action registry construction.
package cmd

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/registry"
)

// NewRegistry builds the action registry with the built-in action types
// registered.
func NewRegistry() *registry.Registry {
	reg := registry.NewRegistry()
	reg.RegisterDefaultActions()

	return reg
}

// NewSuspensionStore builds the wake store for suspended runs. With an empty
// URL suspensions live in process memory, which only suits tests and
// single-node setups where the API, worker and scheduler share a process.
func NewSuspensionStore(redisURL string) engine.SuspensionStore {
	if redisURL == "" {
		return engine.NewMemorySuspensionStore()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("invalid redis url: %w", err))
	}

	return engine.NewRedisSuspensionStore(redis.NewClient(opts))
}
