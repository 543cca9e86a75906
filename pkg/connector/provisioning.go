// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// CreateOrGetPortal returns the portal of a tenant's conversation with
// rawPhone, creating its room for the tenant owner if needed. created
// reports whether a room was created by this call.
func (b *Bridge) CreateOrGetPortal(ctx context.Context, tenant *database.Tenant, rawPhone string) (portal *Portal, created bool, err error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return nil, false, err
	}
	err = b.withPortal(ctx, MakeChatID(tenant.Name, phone), true, func(p *Portal) error {
		portal = p
		var err error
		_, created, err = p.CreateMatrixRoom(ctx, tenant.Owner, gupshup.Sender{Phone: phone})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return portal, created, nil
}

// SendTemplate sends a pre-approved template to the portal's phone number
// and posts echo to the room as the bridge bot. An empty echo is replaced by
// a summary of the template.
func (b *Bridge) SendTemplate(ctx context.Context, portal *Portal, sender id.UserID, templateID string, variables []string, echo string) (id.EventID, error) {
	if echo == "" {
		echo = fmt.Sprintf("Template `%s`", templateID)
		if len(variables) > 0 {
			echo += ": " + strings.Join(variables, ", ")
		}
	}
	return portal.sendProvisioned(ctx, sender, "template", echo, func(tenant *database.Tenant) (string, error) {
		return b.Remote.SendTemplate(ctx, credentials(tenant), portal.Phone, templateID, variables)
	})
}

// SendInteractive sends a quick reply or list message and posts its text
// rendering to the room as the bridge bot.
func (b *Bridge) SendInteractive(ctx context.Context, portal *Portal, sender id.UserID, msg *gupshup.InteractiveMessage) (id.EventID, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	msg.EnsureID()
	return portal.sendProvisioned(ctx, sender, msg.MessageKind(), msg.Text(), func(tenant *database.Tenant) (string, error) {
		return b.Remote.SendMessage(ctx, credentials(tenant), portal.Phone, msg)
	})
}

// sendProvisioned runs send under the portal's send lock and correlates the
// returned message ID with the bot's room echo.
func (p *Portal) sendProvisioned(ctx context.Context, sender id.UserID, kind, echo string, send func(*database.Tenant) (string, error)) (id.EventID, error) {
	log := zerolog.Ctx(ctx).With().Str("chat_id", p.ChatID).Str("kind", kind).Logger()
	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	roomID := p.RoomID()
	if roomID == "" || p.IsClosed() {
		return "", ErrNoRoom
	}
	tenant, err := p.tenant(ctx)
	if err != nil {
		return "", err
	}
	if _, err = p.authorize(tenant, sender); err != nil {
		return "", err
	}

	remoteID, err := send(tenant)
	p.bridge.Metrics.outbound(kind, err)
	if err != nil {
		return "", fmt.Errorf("failed to send %s: %w", kind, err)
	}
	eventID, err := p.bridge.Matrix.BotIntent().SendMessage(ctx, roomID, event.EventMessage, markdownContent(echo))
	if err != nil {
		return "", fmt.Errorf("sent %s %s but failed to post it to the room: %w", kind, remoteID, err)
	}
	err = p.bridge.messages.Insert(ctx, &database.Message{
		MXID:     eventID,
		RoomID:   roomID,
		Sender:   sender,
		RemoteID: remoteID,
		Tenant:   tenant.Name,
	})
	if err != nil {
		log.Err(err).Str("remote_id", remoteID).Msg("Failed to save message correlation")
	}
	log.Debug().Str("remote_id", remoteID).Stringer("mxid", eventID).Msg("Sent provisioned message")
	return eventID, nil
}

// SetRelayOwner makes user the relay owner of the portal. The user must be
// joined to the room.
func (b *Bridge) SetRelayOwner(ctx context.Context, portal *Portal, user id.UserID) error {
	roomID := portal.RoomID()
	if roomID == "" {
		return ErrNoRoom
	}
	members, err := portal.mainIntent().GetJoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get room members: %w", err)
	}
	if !slices.Contains(members, user) {
		return fmt.Errorf("%w: %s", ErrNotInRoom, user)
	}
	portal.stateLock.Lock()
	portal.RelayOwner = user
	portal.stateLock.Unlock()
	if err = portal.save(ctx); err != nil {
		return fmt.Errorf("failed to save relay owner: %w", err)
	}
	portal.log.Info().Stringer("relay_owner", user).Msg("Changed relay owner")
	return nil
}

// SetRoomPowerLevel changes a member's power level in the portal room.
func (b *Bridge) SetRoomPowerLevel(ctx context.Context, portal *Portal, user id.UserID, level int) error {
	return portal.SetRoomPowerLevel(ctx, user, level)
}
