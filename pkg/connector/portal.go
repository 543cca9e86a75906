// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// Portal is one WhatsApp conversation of one tenant. It moves from UNBOUND
// (no room) to BOUND when its room is created, and to CLOSED when the room
// is abandoned. A closed Portal value is never reused.
type Portal struct {
	*database.Portal

	bridge     *Bridge
	tenantName string
	log        zerolog.Logger

	// roomCreateLock is held for the whole UNBOUND to BOUND transition.
	roomCreateLock sync.Mutex
	// sendLock orders outbound sends with the correlation rows they produce.
	sendLock sync.Mutex
	// stateLock guards MXID, RelayOwner and closed.
	stateLock sync.RWMutex
	closed    bool
}

func (b *Bridge) newPortal(dbPortal *database.Portal, tenantName string) *Portal {
	return &Portal{
		Portal:     dbPortal,
		bridge:     b,
		tenantName: tenantName,
		log:        b.Log.With().Str("chat_id", dbPortal.ChatID).Logger(),
	}
}

// RoomID returns the Matrix room of the portal, or an empty string.
func (p *Portal) RoomID() id.RoomID {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()
	return p.MXID
}

func (p *Portal) GetRelayOwner() id.UserID {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()
	return p.RelayOwner
}

func (p *Portal) IsClosed() bool {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()
	return p.closed
}

func (p *Portal) IsDirect() bool {
	return p.Phone != ""
}

func (p *Portal) TenantName() string {
	return p.tenantName
}

func (p *Portal) tenant(ctx context.Context) (*database.Tenant, error) {
	return p.bridge.Tenants.ResolveByName(ctx, p.tenantName)
}

// save persists a snapshot of the portal row.
func (p *Portal) save(ctx context.Context) error {
	p.stateLock.RLock()
	snapshot := *p.Portal
	p.stateLock.RUnlock()
	return p.bridge.portalStore.Update(ctx, &snapshot)
}

func (p *Portal) ghostID() id.UserID {
	return p.bridge.Puppets.ResolveRoomIdentity(p.Phone)
}

// mainIntent is the ghost of the WhatsApp contact, which owns the room.
func (p *Portal) mainIntent() MatrixAPI {
	return p.bridge.Matrix.GhostIntent(p.ghostID())
}

func (p *Portal) bridgeInfo() (string, *event.BridgeEventContent) {
	return "net.gupshup://whatsapp/" + p.Phone, &event.BridgeEventContent{
		BridgeBot: p.bridge.Config.BotMXID(),
		Creator:   p.ghostID(),
		Protocol: event.BridgeInfoSection{
			ID:          "whatsapp",
			DisplayName: "WhatsApp (Gupshup)",
			AvatarURL:   id.ContentURIString(p.bridge.Config.AppService.Bot.Avatar),
		},
		Channel: event.BridgeInfoSection{
			ID: p.Phone,
		},
	}
}

// CreateMatrixRoom binds the portal to a new room, inviting requester. It
// returns the existing room when the portal is already bound. created is
// true only for the call that actually created the room.
func (p *Portal) CreateMatrixRoom(ctx context.Context, requester id.UserID, sender gupshup.Sender) (roomID id.RoomID, created bool, err error) {
	if roomID = p.RoomID(); roomID != "" {
		return roomID, false, nil
	}
	p.roomCreateLock.Lock()
	defer p.roomCreateLock.Unlock()
	if p.IsClosed() {
		return "", false, ErrPortalClosed
	}
	if roomID = p.RoomID(); roomID != "" {
		return roomID, false, nil
	}
	roomID, err = p.createMatrixRoom(ctx, requester, sender)
	return roomID, err == nil, err
}

func (p *Portal) createMatrixRoom(ctx context.Context, requester id.UserID, sender gupshup.Sender) (id.RoomID, error) {
	cfg := p.bridge.Config
	log := p.log.With().Str("action", "create_room").Stringer("requester", requester).Logger()
	log.Debug().Msg("Creating Matrix room")

	puppet, err := p.bridge.Puppets.GetOrCreate(ctx, p.Phone)
	if err != nil {
		return "", err
	}
	intent := p.mainIntent()

	levels, err := p.initialPowerLevels(requester)
	if err != nil {
		return "", err
	}
	stateKey, info := p.bridgeInfo()
	initialState := []*event.Event{{
		Type:     event.StateBridge,
		StateKey: &stateKey,
		Content:  event.Content{Parsed: info},
	}, {
		Type:     event.StateHalfShotBridge,
		StateKey: &stateKey,
		Content:  event.Content{Parsed: info},
	}, {
		Type:     event.StatePowerLevels,
		StateKey: ptr(""),
		Content:  event.Content{Parsed: levels},
	}}
	for _, extra := range cfg.Bridge.InitialState {
		initialState = append(initialState, &event.Event{
			Type:     event.Type{Type: extra.Type, Class: event.StateEventType},
			StateKey: ptr(extra.StateKey),
			Content:  event.Content{Raw: extra.Content},
		})
	}

	name := sender.Name
	if name == "" {
		name = puppet.Name
	}
	invites := append([]id.UserID{cfg.BotMXID()}, cfg.Bridge.InviteUsers...)
	roomID, err := intent.CreateRoom(ctx, &RoomCreateParams{
		Name:         cfg.FormatRoomName(RoomNameParams{Phone: p.Phone, Name: name}),
		Topic:        cfg.Bridge.RoomTopic,
		IsDirect:     p.IsDirect(),
		Federate:     cfg.Bridge.FederateRooms,
		Invite:       invites,
		InitialState: initialState,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	log = log.With().Stringer("room_id", roomID).Logger()

	p.stateLock.Lock()
	p.MXID = roomID
	p.stateLock.Unlock()
	if err = p.save(ctx); err != nil {
		p.revertRoom(ctx, roomID)
		return "", fmt.Errorf("failed to save room ID: %w", err)
	}
	p.bridge.portals.setMXID(p, roomID)

	if err = intent.InviteUser(ctx, roomID, requester, p.IsDirect()); err != nil {
		p.revertRoom(ctx, roomID)
		return "", fmt.Errorf("failed to invite %s: %w", requester, err)
	}
	if _, err = p.bridge.Puppets.UpdateProfile(ctx, puppet, gupshup.Sender{Phone: p.Phone, Name: name}); err != nil {
		p.revertRoom(ctx, roomID)
		return "", fmt.Errorf("failed to update puppet profile: %w", err)
	}
	p.stateLock.Lock()
	p.RelayOwner = requester
	p.stateLock.Unlock()
	if err = p.save(ctx); err != nil {
		p.revertRoom(ctx, roomID)
		return "", fmt.Errorf("failed to save relay owner: %w", err)
	}

	p.bridge.Metrics.RoomsCreated.Inc()
	log.Info().Msg("Created portal room")
	return roomID, nil
}

// revertRoom returns the portal to UNBOUND after a failed room creation.
func (p *Portal) revertRoom(ctx context.Context, roomID id.RoomID) {
	p.stateLock.Lock()
	p.MXID = ""
	p.RelayOwner = ""
	p.stateLock.Unlock()
	p.bridge.portals.unsetMXID(roomID)
	if err := p.save(ctx); err != nil {
		p.log.Err(err).Stringer("room_id", roomID).Msg("Failed to revert room ID")
	}
}

// Close purges the correlation rows of the portal and unbinds it from its
// room. The Portal value becomes unusable; later events load a new one.
func (p *Portal) Close(ctx context.Context) error {
	p.roomCreateLock.Lock()
	defer p.roomCreateLock.Unlock()
	p.sendLock.Lock()
	defer p.sendLock.Unlock()

	if p.IsClosed() {
		return ErrPortalClosed
	}
	roomID := p.RoomID()
	if roomID != "" {
		if err := p.bridge.messages.DeleteAllInRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := p.bridge.reactions.DeleteAllInRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to delete reactions: %w", err)
		}
	}
	// The cleared row is written before the portal leaves the cache, so a
	// concurrent load can never read the abandoned room back from the store.
	p.stateLock.RLock()
	cleared := *p.Portal
	p.stateLock.RUnlock()
	cleared.MXID = ""
	cleared.RelayOwner = ""
	if err := p.bridge.portalStore.Update(ctx, &cleared); err != nil {
		return fmt.Errorf("failed to save closed portal: %w", err)
	}
	p.stateLock.Lock()
	p.MXID = ""
	p.RelayOwner = ""
	p.closed = true
	p.stateLock.Unlock()
	p.bridge.portals.remove(p, roomID)
	p.log.Info().Stringer("room_id", roomID).Msg("Closed portal")
	return nil
}

// sendNotice posts a bridge notice to the portal room.
func (p *Portal) sendNotice(ctx context.Context, intent MatrixAPI, text string) {
	roomID := p.RoomID()
	if roomID == "" || text == "" {
		return
	}
	if intent == nil {
		intent = p.mainIntent()
	}
	content := whatsappToMatrix(event.MsgNotice, text)
	if _, err := intent.SendMessage(ctx, roomID, event.EventMessage, content); err != nil {
		p.log.Err(err).Str("notice", text).Msg("Failed to send notice")
	}
}

func ptr[T any](v T) *T {
	return &v
}
