/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package redisbackend implements the aimd.StateBackend contract on Redis,
// letting multiple control-plane instances share authoritative window state.
package redisbackend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oimiragieo/router-control-plane/pkg/aimd"
)

const (
	// keyPrefix namespaces window keys in a shared Redis.
	keyPrefix = "aimd:window:"

	connectTimeout = 10 * time.Second
)

// Config holds the configuration for the Backend.
type Config struct {
	// Addr is the Redis host:port.
	Addr string
	// Password is the optional Redis password.
	Password string
	// KeyTTL expires backend entries independently of the controller's local
	// idle eviction. Optional: defaults to DefaultKeyTTL.
	KeyTTL time.Duration
}

// DefaultKeyTTL is the default backend-side expiry for window keys.
const DefaultKeyTTL = 30 * time.Minute

// Backend stores per-session windows in Redis.
type Backend struct {
	client *redis.Client
	keyTTL time.Duration
}

var _ aimd.StateBackend = &Backend{}

// New creates a Backend and verifies connectivity with a bounded ping.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.KeyTTL <= 0 {
		config.KeyTTL = DefaultKeyTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %q: %w", config.Addr, err)
	}
	return &Backend{client: client, keyTTL: config.KeyTTL}, nil
}

// NewWithClient wraps an existing client. Test-only.
func NewWithClient(client *redis.Client, keyTTL time.Duration) *Backend {
	if keyTTL <= 0 {
		keyTTL = DefaultKeyTTL
	}
	return &Backend{client: client, keyTTL: keyTTL}
}

// Get implements aimd.StateBackend.
func (b *Backend) Get(ctx context.Context, session string) (int, bool, error) {
	val, err := b.client.Get(ctx, keyPrefix+session).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	window, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt window value %q for session %q: %w", val, session, err)
	}
	return window, true, nil
}

// Set implements aimd.StateBackend.
func (b *Backend) Set(ctx context.Context, session string, window int) error {
	return b.client.Set(ctx, keyPrefix+session, strconv.Itoa(window), b.keyTTL).Err()
}

// Close closes the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}
