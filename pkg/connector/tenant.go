// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
)

// TenantStore is the persistence used by TenantRegistry.
type TenantStore interface {
	GetByName(ctx context.Context, name string) (*database.Tenant, error)
	GetByOwner(ctx context.Context, owner id.UserID) (*database.Tenant, error)
	GetByPhone(ctx context.Context, phone string) (*database.Tenant, error)
	Insert(ctx context.Context, t *database.Tenant) error
	UpdateAPIKey(ctx context.Context, owner id.UserID, apiKey string) error
}

// TenantRegistry owns the tenant table. Every other component only reads
// tenants through it.
type TenantRegistry struct {
	store TenantStore
	cache TenantCache
	log   zerolog.Logger

	// writeLock serializes the uniqueness checks with the insert.
	writeLock sync.Mutex
}

func NewTenantRegistry(store TenantStore, cache TenantCache, log zerolog.Logger) *TenantRegistry {
	return &TenantRegistry{
		store: store,
		cache: cache,
		log:   log.With().Str("component", "tenant_registry").Logger(),
	}
}

// Register binds a new Gupshup app to its owner and business phone number.
func (tr *TenantRegistry) Register(ctx context.Context, name string, owner id.UserID, appID, apiKey, phone string) (*database.Tenant, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	tr.writeLock.Lock()
	defer tr.writeLock.Unlock()

	if existing, err := tr.store.GetByOwner(ctx, owner); err != nil {
		return nil, fmt.Errorf("failed to check owner: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s owns %s", ErrDuplicateOwner, owner, existing.Name)
	}
	if existing, err := tr.store.GetByPhone(ctx, normalized); err != nil {
		return nil, fmt.Errorf("failed to check phone: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePhone, normalized)
	}
	if existing, err := tr.store.GetByName(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to check name: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	tenant := &database.Tenant{
		Name:   name,
		Owner:  owner,
		AppID:  appID,
		APIKey: apiKey,
		Phone:  normalized,
	}
	if err = tr.store.Insert(ctx, tenant); err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}
	tr.log.Info().
		Str("tenant", name).
		Stringer("owner", owner).
		Str("phone", normalized).
		Msg("Registered Gupshup app")
	return tenant, nil
}

// RotateCredentials replaces the API key of the owner's app.
func (tr *TenantRegistry) RotateCredentials(ctx context.Context, owner id.UserID, apiKey string) (*database.Tenant, error) {
	tr.writeLock.Lock()
	defer tr.writeLock.Unlock()

	tenant, err := tr.ResolveByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err = tr.store.UpdateAPIKey(ctx, owner, apiKey); err != nil {
		return nil, fmt.Errorf("failed to update api key: %w", err)
	}
	tr.cache.Invalidate(ctx, tenant.Name)
	tenant.APIKey = apiKey
	tr.log.Info().Str("tenant", tenant.Name).Msg("Rotated Gupshup API key")
	return tenant, nil
}

// ResolveByName is called for every webhook, so it goes through the cache.
func (tr *TenantRegistry) ResolveByName(ctx context.Context, name string) (*database.Tenant, error) {
	if tenant, ok := tr.cache.Get(ctx, name); ok {
		return tenant, nil
	}
	tenant, err := tr.store.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", name, err)
	} else if tenant == nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, name)
	}
	tr.cache.Set(ctx, tenant)
	return tenant, nil
}

// ResolveByPhone accepts the number in any form Register accepts, and also
// without the leading +.
func (tr *TenantRegistry) ResolveByPhone(ctx context.Context, rawPhone string) (*database.Tenant, error) {
	trimmed := strings.TrimSpace(rawPhone)
	if !strings.HasPrefix(trimmed, "+") {
		trimmed = "+" + trimmed
	}
	phone, err := NormalizePhone(trimmed)
	if err != nil {
		return nil, err
	}
	tenant, err := tr.store.GetByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant by phone: %w", err)
	} else if tenant == nil {
		return nil, fmt.Errorf("%w: phone %s", ErrTenantNotFound, phone)
	}
	return tenant, nil
}

func (tr *TenantRegistry) ResolveByOwner(ctx context.Context, owner id.UserID) (*database.Tenant, error) {
	tenant, err := tr.store.GetByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant by owner: %w", err)
	} else if tenant == nil {
		return nil, fmt.Errorf("%w: owner %s", ErrTenantNotFound, owner)
	}
	return tenant, nil
}
