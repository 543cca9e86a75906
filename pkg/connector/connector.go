// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

type PortalStore interface {
	GetByChatID(ctx context.Context, chatID string) (*database.Portal, error)
	GetByMXID(ctx context.Context, roomID id.RoomID) (*database.Portal, error)
	GetAllWithMXID(ctx context.Context) ([]*database.Portal, error)
	Insert(ctx context.Context, p *database.Portal) error
	Update(ctx context.Context, p *database.Portal) error
}

type MessageStore interface {
	GetByMXID(ctx context.Context, mxid id.EventID, roomID id.RoomID) (*database.Message, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*database.Message, error)
	Insert(ctx context.Context, msg *database.Message) error
	DeleteAllInRoom(ctx context.Context, roomID id.RoomID) error
}

type ReactionStore interface {
	GetByMXID(ctx context.Context, mxid id.EventID) (*database.Reaction, error)
	GetByTarget(ctx context.Context, remoteID string, sender id.UserID) (*database.Reaction, error)
	Insert(ctx context.Context, r *database.Reaction) error
	Delete(ctx context.Context, mxid id.EventID) error
	DeleteAllInRoom(ctx context.Context, roomID id.RoomID) error
}

// Stores groups the tables the bridge works on.
type Stores struct {
	Tenant   TenantStore
	Portal   PortalStore
	Puppet   PuppetStore
	Message  MessageStore
	Reaction ReactionStore
}

// StoresFromDatabase uses the SQL queries of db for every store.
func StoresFromDatabase(db *database.Database) Stores {
	return Stores{
		Tenant:   db.Tenant,
		Portal:   db.Portal,
		Puppet:   db.Puppet,
		Message:  db.Message,
		Reaction: db.Reaction,
	}
}

// Bridge is the bridging engine. It owns the portals and the correlation
// ledger, and is driven by the webhook and Matrix event handlers.
type Bridge struct {
	Config  *Config
	Tenants *TenantRegistry
	Puppets *PuppetResolver
	Matrix  MatrixConnector
	Remote  RemoteAPI
	Metrics *Metrics
	Log     zerolog.Logger

	portalStore PortalStore
	messages    MessageStore
	reactions   ReactionStore

	portals    *portalCache
	portalLoad singleflight.Group
}

func NewBridge(cfg *Config, stores Stores, matrix MatrixConnector, remote RemoteAPI, tenantCache TenantCache, metrics *Metrics, log zerolog.Logger) *Bridge {
	if tenantCache == nil {
		tenantCache = NewMemoryTenantCache(cfg.CacheTTL())
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Bridge{
		Config:      cfg,
		Tenants:     NewTenantRegistry(stores.Tenant, tenantCache, log),
		Puppets:     NewPuppetResolver(stores.Puppet, matrix, cfg, log),
		Matrix:      matrix,
		Remote:      remote,
		Metrics:     metrics,
		Log:         log,
		portalStore: stores.Portal,
		messages:    stores.Message,
		reactions:   stores.Reaction,
		portals:     newPortalCache(),
	}
}

// GetPortalByChatID returns the portal of a chat. When create is set, a
// missing portal row is inserted in the UNBOUND state. Concurrent callers
// for the same chat share one load and get the same Portal.
func (b *Bridge) GetPortalByChatID(ctx context.Context, chatID string, create bool) (*Portal, error) {
	if portal := b.portals.getByChatID(chatID); portal != nil {
		return portal, nil
	}
	key := chatID
	if create {
		key += "\x00create"
	}
	val, err, _ := b.portalLoad.Do(key, func() (any, error) {
		return b.loadPortal(ctx, chatID, create)
	})
	if err != nil || val == nil {
		return nil, err
	}
	return val.(*Portal), nil
}

func (b *Bridge) loadPortal(ctx context.Context, chatID string, create bool) (*Portal, error) {
	if portal := b.portals.getByChatID(chatID); portal != nil {
		return portal, nil
	}
	tenantName, phone, ok := ParseChatID(chatID)
	if !ok {
		return nil, fmt.Errorf("invalid chat ID %q", chatID)
	}
	dbPortal, err := b.portalStore.GetByChatID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal: %w", err)
	}
	if dbPortal == nil {
		if !create {
			return nil, nil
		}
		dbPortal = &database.Portal{ChatID: chatID, Phone: phone}
		if err = b.portalStore.Insert(ctx, dbPortal); err != nil {
			return nil, fmt.Errorf("failed to insert portal: %w", err)
		}
		b.Log.Debug().Str("chat_id", chatID).Msg("Created portal")
	}
	return b.portals.add(b.newPortal(dbPortal, tenantName)), nil
}

// GetPortalByRoomID returns the portal bridged to a Matrix room, or nil.
func (b *Bridge) GetPortalByRoomID(ctx context.Context, roomID id.RoomID) (*Portal, error) {
	if portal := b.portals.getByMXID(roomID); portal != nil {
		return portal, nil
	}
	dbPortal, err := b.portalStore.GetByMXID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal by room: %w", err)
	} else if dbPortal == nil {
		return nil, nil
	}
	portal, err := b.GetPortalByChatID(ctx, dbPortal.ChatID, false)
	if err != nil || portal == nil || portal.RoomID() != roomID {
		return nil, err
	}
	return portal, nil
}

// GetAllPortalsWithRoom loads every bound portal.
func (b *Bridge) GetAllPortalsWithRoom(ctx context.Context) ([]*Portal, error) {
	rows, err := b.portalStore.GetAllWithMXID(ctx)
	if err != nil {
		return nil, err
	}
	portals := make([]*Portal, 0, len(rows))
	for _, row := range rows {
		portal, err := b.GetPortalByChatID(ctx, row.ChatID, false)
		if err != nil {
			return nil, err
		} else if portal != nil {
			portals = append(portals, portal)
		}
	}
	return portals, nil
}

// HandleGupshupEvent dispatches a decoded webhook event to its portal.
// The tenant must already have been resolved by the caller.
func (b *Bridge) HandleGupshupEvent(ctx context.Context, tenant *database.Tenant, evt gupshup.Event) error {
	start := time.Now()
	var err error
	switch typed := evt.(type) {
	case *gupshup.MessageEvent:
		err = b.withPortal(ctx, MakeChatID(tenant.Name, typed.Phone()), true, func(portal *Portal) error {
			return portal.HandleRemoteMessage(ctx, tenant, typed)
		})
	case *gupshup.StatusEvent:
		err = b.handleStatus(ctx, tenant, typed)
	case *gupshup.UserEvent:
		zerolog.Ctx(ctx).Debug().Str("tenant", tenant.Name).Msg("Ignoring user event")
	default:
		err = fmt.Errorf("unsupported event %T", evt)
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	b.Metrics.WebhookEvents.WithLabelValues(string(evt.EventType()), result).Inc()
	zerolog.Ctx(ctx).Debug().Dur("duration", time.Since(start)).Str("result", result).Msg("Handled Gupshup event")
	return err
}

// withPortal runs fn on the portal of a chat. If the portal was closed
// while fn was waiting, it is retried once on a freshly loaded portal.
func (b *Bridge) withPortal(ctx context.Context, chatID string, create bool, fn func(*Portal) error) error {
	for attempt := 0; ; attempt++ {
		portal, err := b.GetPortalByChatID(ctx, chatID, create)
		if err != nil {
			return err
		} else if portal == nil {
			return nil
		}
		err = fn(portal)
		if !errors.Is(err, ErrPortalClosed) || attempt > 0 {
			return err
		}
	}
}

func (b *Bridge) handleStatus(ctx context.Context, tenant *database.Tenant, evt *gupshup.StatusEvent) error {
	log := zerolog.Ctx(ctx).With().
		Str("tenant", tenant.Name).
		Str("remote_id", evt.RemoteID()).
		Str("status", string(evt.Status)).
		Logger()
	var portal *Portal
	var err error
	if evt.Destination != "" {
		portal, err = b.GetPortalByChatID(ctx, MakeChatID(tenant.Name, evt.Destination), false)
	} else {
		// Statuses without a destination are routed through the message they refer to.
		var msg *database.Message
		msg, err = b.messages.GetByRemoteID(ctx, evt.RemoteID())
		if err == nil && msg != nil {
			portal, err = b.GetPortalByRoomID(ctx, msg.RoomID)
		}
	}
	if err != nil {
		return err
	} else if portal == nil {
		b.Metrics.miss("status")
		log.Debug().Msg("No portal for status event")
		return nil
	}
	return portal.HandleRemoteStatus(log.WithContext(ctx), tenant, evt)
}
