// Copyright 2024 The PlantPulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package identity resolves topic slugs and device keys to relational rows,
// with a short-TTL Redis cache in front of the store. It also auto-registers
// devices on first sighting, which is what makes device onboarding
// zero-config.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	"github.com/plantpulse/telemetry-engine/pkg/store"
)

// ErrUnknownTenant reports a topic slug with no tenant row. Unknown tenants
// are never cached: an operator creating the tenant must take effect on the
// next message, not a TTL later.
var ErrUnknownTenant = errors.New("unknown tenant")

// DefaultTTL is how long a resolved tenant or device stays cached.
const DefaultTTL = 60 * time.Second

// cacheTimeout bounds every cache round trip so a wedged cache degrades to
// store reads instead of stalling the ingest loop.
const cacheTimeout = time.Second

// TenantSource is the slice of the store the resolver reads tenants from.
type TenantSource interface {
	TenantBySlug(ctx context.Context, slug string) (*store.Tenant, error)
}

// DeviceSource reads and auto-registers devices.
type DeviceSource interface {
	DeviceByKey(ctx context.Context, tenantID int64, deviceKey string) (*store.Device, error)
	CreateDevice(ctx context.Context, tenantID int64, deviceKey string, firstSeen time.Time) (*store.Device, error)
}

// Opts configures a Resolver.
type Opts struct {
	// TTL for cached identity rows. Defaults to DefaultTTL when zero.
	TTL time.Duration
}

// Resolver caches identity lookups. Cache trouble degrades to store reads
// with a warn log; it never fails a message on its own.
type Resolver struct {
	logger  log.Logger
	opts    Opts
	cache   redis.Cmdable
	tenants TenantSource
	devices DeviceSource
	clock   clock.Clock
}

// New builds a Resolver. A nil cache disables caching entirely.
func New(logger log.Logger, cache redis.Cmdable, tenants TenantSource, devices DeviceSource, opts Opts) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Resolver{
		logger:  logger,
		opts:    opts,
		cache:   cache,
		tenants: tenants,
		devices: devices,
		clock:   clock.New(),
	}
}

// SetClock replaces the wall clock, for tests.
func (r *Resolver) SetClock(c clock.Clock) { r.clock = c }

func tenantKey(slug string) string { return "tenant:slug:" + slug }

func deviceKey(tenantID int64, key string) string {
	return fmt.Sprintf("device:%d:%s", tenantID, key)
}

// ResolveTenant maps a topic slug to its tenant. Misses fall through to the
// store and found rows are cached for the TTL; unknown slugs return
// ErrUnknownTenant uncached.
func (r *Resolver) ResolveTenant(ctx context.Context, slug string) (*store.Tenant, error) {
	var cached store.Tenant
	if r.cacheGet(ctx, tenantKey(slug), &cached) {
		return &cached, nil
	}
	tenant, err := r.tenants.TenantBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: slug %q", ErrUnknownTenant, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up tenant %q: %w", slug, err)
	}
	r.cacheSet(ctx, tenantKey(slug), tenant)
	return tenant, nil
}

// ResolveOrCreateDevice maps a device key to its row within the tenant,
// auto-registering it on first sighting. Concurrent first sightings converge
// on one row in the store; the result is written through to the cache.
func (r *Resolver) ResolveOrCreateDevice(ctx context.Context, tenantID int64, key string) (*store.Device, error) {
	var cached store.Device
	if r.cacheGet(ctx, deviceKey(tenantID, key), &cached) {
		return &cached, nil
	}
	device, err := r.devices.DeviceByKey(ctx, tenantID, key)
	if errors.Is(err, store.ErrNotFound) {
		device, err = r.devices.CreateDevice(ctx, tenantID, key, r.clock.Now().UTC())
		if err == nil {
			_ = level.Info(r.logger).Log("msg", "device.auto_registered",
				"tenant_id", tenantID, "device_key", key, "device_id", device.ID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving device %q: %w", key, err)
	}
	r.cacheSet(ctx, deviceKey(tenantID, key), device)
	return device, nil
}

// cacheGet reports whether dst was filled from the cache. Absence, a nil
// cache, a decode problem and an unreachable cache all just mean "no".
func (r *Resolver) cacheGet(ctx context.Context, key string, dst any) bool {
	if r.cache == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	raw, err := r.cache.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		_ = level.Warn(r.logger).Log("msg", "identity.cache_unavailable", "key", key, "err", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		_ = level.Warn(r.logger).Log("msg", "identity.cache_corrupt_entry", "key", key, "err", err)
		return false
	}
	return true
}

func (r *Resolver) cacheSet(ctx context.Context, key string, v any) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	if err := r.cache.Set(ctx, key, raw, r.opts.TTL).Err(); err != nil {
		_ = level.Warn(r.logger).Log("msg", "identity.cache_unavailable", "key", key, "err", err)
	}
}
