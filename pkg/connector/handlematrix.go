// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// MsgInteractive is the msgtype of Matrix messages that carry a Gupshup
// interactive message under the "interactive_message" key.
const MsgInteractive event.MessageType = "m.interactive_message"

// doublePuppetSourceKey marks events the bridge sent through a double puppet.
const doublePuppetSourceKey = "fi.mau.double_puppet_source"

const (
	noticeNotAllowed       = "You are not allowed to send messages in this chat"
	noticeTargetNotFound   = "Could not find the message to react to"
	noticeReactionNotFound = "Could not find the original reaction"
)

// HandleMatrixEvent routes an event received from the homeserver.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	log := b.Log.With().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Str("event_type", evt.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)

	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
			log.Debug().Err(err).Msg("Failed to parse event content")
		}
	}
	if evt.Type != event.EphemeralEventReceipt && b.isBridgeEcho(evt) {
		return
	}
	portal, err := b.GetPortalByRoomID(ctx, evt.RoomID)
	if err != nil {
		log.Err(err).Msg("Failed to get portal")
		return
	} else if portal == nil {
		return
	}

	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		err = portal.HandleMatrixMessage(ctx, evt)
	case event.EventReaction:
		err = portal.HandleMatrixReaction(ctx, evt)
	case event.EventRedaction:
		err = portal.HandleMatrixRedaction(ctx, evt)
	case event.StateMember:
		member := evt.Content.AsMember()
		if evt.StateKey != nil && (member.Membership == event.MembershipLeave || member.Membership == event.MembershipBan) {
			err = portal.HandleMatrixLeave(ctx, id.UserID(*evt.StateKey))
		}
	case event.EphemeralEventReceipt:
		for eventID, receipts := range *evt.Content.AsReceipt() {
			for userID := range receipts[event.ReceiptTypeRead] {
				if b.Puppets.IsPuppet(userID) || userID == b.Config.BotMXID() {
					continue
				}
				portal.HandleMatrixReadReceipt(ctx, userID, eventID)
			}
		}
	}
	if err != nil {
		log.Err(err).Msg("Failed to handle Matrix event")
	}
}

// isBridgeEcho reports whether an event was sent by the bridge itself.
func (b *Bridge) isBridgeEcho(evt *event.Event) bool {
	if evt.Sender == b.Config.BotMXID() || b.Puppets.IsPuppet(evt.Sender) {
		return true
	}
	_, ok := evt.Content.Raw[doublePuppetSourceKey]
	return ok
}

// authorize decides how a Matrix user's message reaches WhatsApp. The app
// owner sends directly, anyone else only through relay mode.
func (p *Portal) authorize(tenant *database.Tenant, sender id.UserID) (relay bool, err error) {
	if sender == tenant.Owner {
		return false, nil
	}
	if p.bridge.Config.Bridge.Relay.Enabled && p.GetRelayOwner() != "" {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrNotAllowed, sender)
}

// HandleMatrixMessage sends a Matrix message to WhatsApp.
func (p *Portal) HandleMatrixMessage(ctx context.Context, evt *event.Event) error {
	log := zerolog.Ctx(ctx)
	content := evt.Content.AsMessage()
	if content.MsgType == event.MsgNotice && !p.bridge.Config.Bridge.BridgeNotices {
		log.Debug().Msg("Dropping notice")
		return nil
	}

	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	roomID := p.RoomID()
	if roomID == "" || p.IsClosed() {
		return ErrPortalClosed
	}
	tenant, err := p.tenant(ctx)
	if err != nil {
		return err
	}
	relay, err := p.authorize(tenant, evt.Sender)
	if err != nil {
		p.sendNotice(ctx, nil, noticeNotAllowed)
		return err
	}

	msg, err := p.convertMatrixMessage(evt.Type, content, evt.Content.Raw, evt.Sender, relay)
	if err != nil {
		p.sendNotice(ctx, nil, p.bridge.Config.Bridge.UnsupportedNotice)
		return err
	}
	if replyable, ok := msg.(gupshup.Replyable); ok {
		if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
			if remoteID := p.remoteIDFor(ctx, replyTo, roomID); remoteID != "" {
				replyable.SetReplyTo(remoteID)
			}
		}
	}
	return p.sendAndCorrelate(ctx, tenant, roomID, evt.ID, evt.Sender, msg)
}

// sendAndCorrelate sends msg to the portal's phone number and records the
// returned message ID against eventID. The caller holds sendLock.
func (p *Portal) sendAndCorrelate(ctx context.Context, tenant *database.Tenant, roomID id.RoomID, eventID id.EventID, sender id.UserID, msg gupshup.Message) error {
	log := zerolog.Ctx(ctx)
	remoteID, err := p.bridge.Remote.SendMessage(ctx, credentials(tenant), p.Phone, msg)
	p.bridge.Metrics.outbound(msg.MessageKind(), err)
	if err != nil {
		p.sendNotice(ctx, nil, fmt.Sprintf("%s: %v", p.bridge.Config.Bridge.SendFailureNotice, err))
		return fmt.Errorf("failed to send %s message: %w", msg.MessageKind(), err)
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
	} else {
		log.Debug().Str("remote_id", remoteID).Msg("Sent message to WhatsApp")
	}
	return nil
}

func (p *Portal) remoteIDFor(ctx context.Context, eventID id.EventID, roomID id.RoomID) string {
	msg, err := p.bridge.messages.GetByMXID(ctx, eventID, roomID)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Stringer("reply_to", eventID).Msg("Failed to get reply target")
		return ""
	} else if msg == nil {
		p.bridge.Metrics.miss("reply")
		return ""
	}
	return msg.RemoteID
}

func (p *Portal) convertMatrixMessage(evtType event.Type, content *event.MessageEventContent, raw map[string]any, sender id.UserID, relay bool) (gupshup.Message, error) {
	cfg := p.bridge.Config
	relayFormat := func(text string) string {
		if !relay {
			return text
		}
		return cfg.FormatRelayMessage(RelayParams{Sender: sender, Message: text})
	}
	msgType := content.MsgType
	if evtType == event.EventSticker {
		msgType = event.MsgImage
	}

	switch msgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return gupshup.NewTextMessage(relayFormat(matrixToWhatsApp(content))), nil
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		url, err := cfg.mediaDownloadURL(content.URL)
		if err != nil {
			return nil, err
		}
		caption := ""
		if content.FileName != "" && content.Body != content.FileName {
			caption = content.Body
		}
		if relay {
			caption = relayFormat(caption)
		}
		switch msgType {
		case event.MsgImage:
			return gupshup.NewImageMessage(url, caption), nil
		case event.MsgVideo:
			return gupshup.NewVideoMessage(url, caption), nil
		case event.MsgAudio:
			return gupshup.NewAudioMessage(url), nil
		default:
			return gupshup.NewFileMessage(url, content.GetFileName()), nil
		}
	case event.MsgLocation:
		lat, long, ok := parseGeoURI(content.GeoURI)
		if !ok {
			return nil, fmt.Errorf("%w: invalid geo URI %q", ErrUnsupportedContent, content.GeoURI)
		}
		return gupshup.NewLocationMessage(lat, long, "", relayFormat(content.Body)), nil
	case MsgInteractive:
		data, err := json.Marshal(raw["interactive_message"])
		if err != nil {
			return nil, err
		}
		var im gupshup.InteractiveMessage
		if err = json.Unmarshal(data, &im); err != nil {
			return nil, fmt.Errorf("%w: invalid interactive message: %v", ErrUnsupportedContent, err)
		}
		if err = im.Validate(); err != nil {
			return nil, err
		}
		im.EnsureID()
		return &im, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, msgType)
}

// HandleMatrixReaction sends a Matrix reaction to WhatsApp. A sender has at
// most one reaction per message, so an earlier one is removed first.
func (p *Portal) HandleMatrixReaction(ctx context.Context, evt *event.Event) error {
	log := zerolog.Ctx(ctx)
	content := evt.Content.AsReaction()
	targetID, emoji := content.RelatesTo.EventID, content.RelatesTo.Key

	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	roomID := p.RoomID()
	if roomID == "" || p.IsClosed() {
		return ErrPortalClosed
	}
	tenant, err := p.tenant(ctx)
	if err != nil {
		return err
	}
	if _, err = p.authorize(tenant, evt.Sender); err != nil {
		p.sendNotice(ctx, nil, noticeNotAllowed)
		return err
	}

	target, err := p.bridge.messages.GetByMXID(ctx, targetID, roomID)
	if err != nil {
		return fmt.Errorf("failed to get reaction target: %w", err)
	} else if target == nil {
		p.bridge.Metrics.miss("reaction")
		p.sendNotice(ctx, nil, noticeTargetNotFound)
		return nil
	}

	existing, err := p.bridge.reactions.GetByTarget(ctx, target.RemoteID, evt.Sender)
	if err != nil {
		return fmt.Errorf("failed to get existing reaction: %w", err)
	}
	if existing != nil {
		if err = p.bridge.Matrix.BotIntent().Redact(ctx, roomID, existing.MXID); err != nil {
			log.Warn().Err(err).Stringer("reaction_id", existing.MXID).Msg("Failed to redact previous reaction")
		}
		if err = p.bridge.reactions.Delete(ctx, existing.MXID); err != nil {
			return fmt.Errorf("failed to delete previous reaction: %w", err)
		}
	}

	_, err = p.bridge.Remote.SendMessage(ctx, credentials(tenant), p.Phone, gupshup.NewReactionMessage(target.RemoteID, emoji))
	p.bridge.Metrics.outbound("reaction", err)
	if err != nil {
		p.sendNotice(ctx, nil, fmt.Sprintf("Error sending reaction: %v", err))
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	err = p.bridge.reactions.Insert(ctx, &database.Reaction{
		MXID:      evt.ID,
		RoomID:    roomID,
		Sender:    evt.Sender,
		RemoteID:  target.RemoteID,
		Emoji:     emoji,
		CreatedAt: time.UnixMilli(evt.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("failed to save reaction: %w", err)
	}
	return nil
}

// HandleMatrixRedaction removes a reaction on WhatsApp when its Matrix event
// is redacted.
func (p *Portal) HandleMatrixRedaction(ctx context.Context, evt *event.Event) error {
	redacts := evt.Redacts
	if content, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok && content.Redacts != "" {
		redacts = content.Redacts
	}

	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	if p.RoomID() == "" || p.IsClosed() {
		return ErrPortalClosed
	}
	reaction, err := p.bridge.reactions.GetByMXID(ctx, redacts)
	if err != nil {
		return fmt.Errorf("failed to get reaction: %w", err)
	} else if reaction == nil {
		p.bridge.Metrics.miss("redaction")
		p.sendNotice(ctx, nil, noticeReactionNotFound)
		return nil
	}
	tenant, err := p.tenant(ctx)
	if err != nil {
		return err
	}
	_, err = p.bridge.Remote.SendMessage(ctx, credentials(tenant), p.Phone, gupshup.NewReactionMessage(reaction.RemoteID, ""))
	p.bridge.Metrics.outbound("reaction", err)
	if err != nil {
		p.sendNotice(ctx, nil, fmt.Sprintf("Error removing reaction: %v", err))
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	if err = p.bridge.reactions.Delete(ctx, reaction.MXID); err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	return nil
}

// HandleMatrixReadReceipt marks the WhatsApp message behind eventID as read.
// Failures are only logged.
func (p *Portal) HandleMatrixReadReceipt(ctx context.Context, userID id.UserID, eventID id.EventID) {
	log := zerolog.Ctx(ctx).With().Stringer("reader", userID).Stringer("read_event_id", eventID).Logger()
	roomID := p.RoomID()
	if roomID == "" {
		return
	}
	tenant, err := p.tenant(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("No tenant for read receipt")
		return
	}
	if userID != tenant.Owner && userID != p.GetRelayOwner() {
		log.Debug().Msg("Ignoring read receipt from user without credentials")
		return
	}
	msg, err := p.bridge.messages.GetByMXID(ctx, eventID, roomID)
	if err != nil {
		log.Err(err).Msg("Failed to get read message")
		return
	} else if msg == nil {
		p.bridge.Metrics.miss("read_receipt")
		log.Debug().Msg("Read receipt for unknown message")
		return
	} else if msg.Sender == userID {
		return
	}
	if err = p.bridge.Remote.MarkRead(ctx, credentials(tenant), msg.RemoteID); err != nil {
		log.Err(err).Str("remote_id", msg.RemoteID).Msg("Failed to mark message as read on WhatsApp")
		return
	}
	log.Debug().Str("remote_id", msg.RemoteID).Msg("Marked message as read on WhatsApp")
}

// HandleMatrixLeave closes the portal once no real Matrix user is left.
func (p *Portal) HandleMatrixLeave(ctx context.Context, userID id.UserID) error {
	if p.RoomID() == "" || p.bridge.Puppets.IsPuppet(userID) || userID == p.bridge.Config.BotMXID() {
		return nil
	}
	remaining, err := p.hasRealUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to check room members: %w", err)
	}
	if remaining {
		zerolog.Ctx(ctx).Debug().Stringer("user_id", userID).Msg("User left portal")
		return nil
	}
	zerolog.Ctx(ctx).Info().Stringer("user_id", userID).Msg("Last user left portal, closing it")
	return p.Close(ctx)
}
