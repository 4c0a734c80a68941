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

package redisbackend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, time.Minute), srv
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestBackend(t)

	_, ok, err := backend.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "unknown session reports no value, not an error")

	require.NoError(t, backend.Set(ctx, "s", 7))
	window, ok, err := backend.Get(ctx, "s")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, window)

	require.NoError(t, backend.Set(ctx, "s", 3))
	window, _, err = backend.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 3, window)
}

func TestKeyExpiry(t *testing.T) {
	ctx := context.Background()
	backend, srv := newTestBackend(t)

	require.NoError(t, backend.Set(ctx, "s", 5))
	srv.FastForward(2 * time.Minute)

	_, ok, err := backend.Get(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok, "entries expire after the key TTL")
}

func TestMalformedValue(t *testing.T) {
	ctx := context.Background()
	backend, srv := newTestBackend(t)

	require.NoError(t, srv.Set(keyPrefix+"s", "not-a-number"))
	_, _, err := backend.Get(ctx, "s")
	assert.Error(t, err)
}

func TestServerDown(t *testing.T) {
	ctx := context.Background()
	backend, srv := newTestBackend(t)
	srv.Close()

	_, _, err := backend.Get(ctx, "s")
	assert.Error(t, err)
	assert.Error(t, backend.Set(ctx, "s", 2))
}
