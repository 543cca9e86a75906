// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
)

// portalCache keeps loaded portals so every caller shares one Portal value
// (and therefore one set of locks) per chat. The database stays the source
// of truth.
type portalCache struct {
	mu       sync.RWMutex
	byChatID map[string]*Portal
	byMXID   map[id.RoomID]*Portal
}

func newPortalCache() *portalCache {
	return &portalCache{
		byChatID: make(map[string]*Portal),
		byMXID:   make(map[id.RoomID]*Portal),
	}
}

func (pc *portalCache) getByChatID(chatID string) *Portal {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.byChatID[chatID]
}

func (pc *portalCache) getByMXID(roomID id.RoomID) *Portal {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.byMXID[roomID]
}

// add stores a portal, returning the already cached value if another caller won.
func (pc *portalCache) add(portal *Portal) *Portal {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if existing, ok := pc.byChatID[portal.ChatID]; ok {
		return existing
	}
	pc.byChatID[portal.ChatID] = portal
	if roomID := portal.RoomID(); roomID != "" {
		pc.byMXID[roomID] = portal
	}
	return portal
}

func (pc *portalCache) setMXID(portal *Portal, roomID id.RoomID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if roomID != "" {
		pc.byMXID[roomID] = portal
	}
}

func (pc *portalCache) unsetMXID(roomID id.RoomID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.byMXID, roomID)
}

func (pc *portalCache) remove(portal *Portal, roomID id.RoomID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.byChatID[portal.ChatID] == portal {
		delete(pc.byChatID, portal.ChatID)
	}
	if roomID != "" && pc.byMXID[roomID] == portal {
		delete(pc.byMXID, roomID)
	}
}

// TenantCache caches tenants by name in front of the tenant table.
type TenantCache interface {
	Get(ctx context.Context, name string) (*database.Tenant, bool)
	Set(ctx context.Context, tenant *database.Tenant)
	Invalidate(ctx context.Context, name string)
}

type memoryTenantEntry struct {
	tenant  database.Tenant
	expires time.Time
}

// MemoryTenantCache is a process-local TenantCache.
type MemoryTenantCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]memoryTenantEntry
}

var _ TenantCache = (*MemoryTenantCache)(nil)

func NewMemoryTenantCache(ttl time.Duration) *MemoryTenantCache {
	return &MemoryTenantCache{ttl: ttl, entries: make(map[string]memoryTenantEntry)}
}

func (mc *MemoryTenantCache) Get(_ context.Context, name string) (*database.Tenant, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	entry, ok := mc.entries[name]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(mc.entries, name)
		return nil, false
	}
	tenant := entry.tenant
	return &tenant, true
}

func (mc *MemoryTenantCache) Set(_ context.Context, tenant *database.Tenant) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries[tenant.Name] = memoryTenantEntry{tenant: *tenant, expires: time.Now().Add(mc.ttl)}
}

func (mc *MemoryTenantCache) Invalidate(_ context.Context, name string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.entries, name)
}

const redisTenantPrefix = "mautrix-gupshup:tenant:"

// RedisTenantCache shares cached tenants between bridge instances. Redis
// errors are logged and treated as cache misses.
type RedisTenantCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

var _ TenantCache = (*RedisTenantCache)(nil)

// NewRedisTenantCache connects to the given redis:// URL and pings it.
func NewRedisTenantCache(ctx context.Context, url string, ttl time.Duration, log zerolog.Logger) (*RedisTenantCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisTenantCache{client: client, ttl: ttl, log: log}, nil
}

func (rc *RedisTenantCache) Get(ctx context.Context, name string) (*database.Tenant, bool) {
	data, err := rc.client.Get(ctx, redisTenantPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	} else if err != nil {
		rc.log.Warn().Err(err).Str("tenant", name).Msg("Failed to read tenant from cache")
		return nil, false
	}
	var tenant database.Tenant
	if err = json.Unmarshal(data, &tenant); err != nil {
		rc.log.Warn().Err(err).Str("tenant", name).Msg("Dropping corrupt cached tenant")
		rc.Invalidate(ctx, name)
		return nil, false
	}
	return &tenant, true
}

func (rc *RedisTenantCache) Set(ctx context.Context, tenant *database.Tenant) {
	data, err := json.Marshal(tenant)
	if err != nil {
		return
	}
	if err = rc.client.Set(ctx, redisTenantPrefix+tenant.Name, data, rc.ttl).Err(); err != nil {
		rc.log.Warn().Err(err).Str("tenant", tenant.Name).Msg("Failed to cache tenant")
	}
}

func (rc *RedisTenantCache) Invalidate(ctx context.Context, name string) {
	if err := rc.client.Del(ctx, redisTenantPrefix+name).Err(); err != nil {
		rc.log.Warn().Err(err).Str("tenant", name).Msg("Failed to invalidate cached tenant")
	}
}

func (rc *RedisTenantCache) Close() error {
	return rc.client.Close()
}
