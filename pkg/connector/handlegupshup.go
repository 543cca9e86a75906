// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// HandleRemoteMessage bridges an inbound WhatsApp message into the portal
// room, creating the room on first contact.
func (p *Portal) HandleRemoteMessage(ctx context.Context, tenant *database.Tenant, evt *gupshup.MessageEvent) error {
	log := zerolog.Ctx(ctx).With().
		Str("chat_id", p.ChatID).
		Str("remote_id", evt.ID).
		Str("msg_type", string(evt.Content.MessageType())).
		Logger()
	ctx = log.WithContext(ctx)

	roomID, _, err := p.CreateMatrixRoom(ctx, tenant.Owner, evt.Sender)
	if err != nil {
		return err
	}
	puppet, err := p.bridge.Puppets.GetOrCreate(ctx, p.Phone)
	if err != nil {
		return err
	}
	intent := p.bridge.Puppets.IntentFor(ctx, puppet)

	if reaction, ok := evt.Content.(*gupshup.ReactionContent); ok {
		return p.handleRemoteReaction(ctx, intent, roomID, reaction)
	}

	var replyTo id.EventID
	if evt.Context != nil {
		replyTo = p.resolveReply(ctx, roomID, evt.Context.RemoteID())
	}

	eventID := p.sendRemoteContent(ctx, intent, roomID, evt.Content, replyTo)
	if eventID == "" {
		eventID, err = intent.SendMessage(ctx, roomID, event.EventMessage, &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    p.bridge.Config.Bridge.UnsupportedNotice,
		})
		if err != nil {
			return fmt.Errorf("failed to send placeholder notice: %w", err)
		}
	}

	msg := &database.Message{
		MXID:     eventID,
		RoomID:   roomID,
		Sender:   intent.UserID(),
		RemoteID: evt.ID,
		Tenant:   tenant.Name,
	}
	if err = p.bridge.messages.Insert(ctx, msg); err != nil {
		log.Err(err).Stringer("event_id", eventID).Msg("Failed to save message correlation")
	} else {
		log.Debug().Stringer("event_id", eventID).Msg("Bridged WhatsApp message")
	}

	if _, err = p.bridge.Puppets.UpdateProfile(ctx, puppet, evt.Sender); err != nil {
		log.Warn().Err(err).Msg("Failed to update puppet profile")
	}
	return nil
}

// resolveReply finds the Matrix event a WhatsApp reply refers to.
func (p *Portal) resolveReply(ctx context.Context, roomID id.RoomID, remoteID string) id.EventID {
	log := zerolog.Ctx(ctx)
	if remoteID == "" {
		return ""
	}
	target, err := p.bridge.messages.GetByRemoteID(ctx, remoteID)
	if err != nil {
		log.Err(err).Str("reply_to", remoteID).Msg("Failed to get reply target")
		return ""
	} else if target == nil || target.RoomID != roomID {
		p.bridge.Metrics.miss("reply")
		log.Debug().Str("reply_to", remoteID).Msg("Reply target not found")
		return ""
	}
	return target.MXID
}

// sendRemoteContent sends the Matrix events for one WhatsApp message and
// returns the first event ID, or an empty ID if nothing could be sent.
func (p *Portal) sendRemoteContent(ctx context.Context, intent MatrixAPI, roomID id.RoomID, content gupshup.Content, replyTo id.EventID) id.EventID {
	log := zerolog.Ctx(ctx)
	cfg := p.bridge.Config
	send := func(evtType event.Type, msg *event.MessageEventContent) id.EventID {
		if replyTo != "" {
			msg.RelatesTo = (&event.RelatesTo{}).SetReplyTo(replyTo)
			replyTo = ""
		}
		eventID, err := intent.SendMessage(ctx, roomID, evtType, msg)
		if err != nil {
			log.Err(err).Str("msgtype", string(msg.MsgType)).Msg("Failed to send message to Matrix")
			return ""
		}
		return eventID
	}

	switch typed := content.(type) {
	case *gupshup.TextContent:
		return send(event.EventMessage, whatsappToMatrix(event.MsgText, typed.Text))
	case *gupshup.MediaContent:
		eventID := p.sendRemoteMedia(ctx, intent, typed, send)
		if eventID != "" && typed.Caption != "" {
			send(event.EventMessage, whatsappToMatrix(event.MsgText, typed.Caption))
		}
		return eventID
	case *gupshup.ContactContent:
		var first id.EventID
		for _, contact := range typed.Contacts {
			eventID := send(event.EventMessage, whatsappToMatrix(event.MsgText, contactText(contact)))
			if first == "" {
				first = eventID
			}
		}
		return first
	case *gupshup.LocationContent:
		return send(event.EventMessage, cfg.locationContent(typed))
	case *gupshup.ButtonReplyContent, *gupshup.ListReplyContent:
		if text := cfg.selectedOption(typed); text != "" {
			return send(event.EventMessage, &event.MessageEventContent{MsgType: event.MsgText, Body: text})
		}
	default:
		log.Warn().Msg("Unsupported WhatsApp message type")
	}
	return ""
}

func (p *Portal) sendRemoteMedia(ctx context.Context, intent MatrixAPI, media *gupshup.MediaContent, send func(event.Type, *event.MessageEventContent) id.EventID) id.EventID {
	log := zerolog.Ctx(ctx)
	data, mimeType, err := p.bridge.Remote.DownloadMedia(ctx, media.URL)
	if err != nil {
		log.Err(err).Msg("Failed to download WhatsApp media")
		return ""
	}
	if media.ContentType != "" {
		mimeType = media.ContentType
	}
	uri, err := intent.UploadMedia(ctx, data, mimeType)
	if err != nil {
		log.Err(err).Msg("Failed to upload media to Matrix")
		return ""
	}
	body := media.Name
	if body == "" {
		body = string(media.Type)
	}
	content := &event.MessageEventContent{
		Body: body,
		URL:  uri,
		Info: &event.FileInfo{MimeType: mimeType, Size: len(data)},
	}
	if media.Type == gupshup.MessageSticker {
		return send(event.EventSticker, content)
	}
	msgType, ok := mediaMsgTypes[media.Type]
	if !ok {
		msgType = event.MsgFile
	}
	content.MsgType = msgType
	if media.Name != "" {
		content.FileName = media.Name
	}
	return send(event.EventMessage, content)
}

// handleRemoteReaction mirrors a WhatsApp reaction. Each sender has at most
// one reaction per message, so an earlier one is redacted first.
func (p *Portal) handleRemoteReaction(ctx context.Context, intent MatrixAPI, roomID id.RoomID, reaction *gupshup.ReactionContent) error {
	log := zerolog.Ctx(ctx).With().Str("target_id", reaction.TargetID()).Logger()
	target, err := p.bridge.messages.GetByRemoteID(ctx, reaction.TargetID())
	if err != nil {
		return fmt.Errorf("failed to get reaction target: %w", err)
	} else if target == nil || target.RoomID != roomID {
		p.bridge.Metrics.miss("reaction")
		log.Warn().Msg("Reaction target not found")
		return nil
	}

	sender := intent.UserID()
	existing, err := p.bridge.reactions.GetByTarget(ctx, target.RemoteID, sender)
	if err != nil {
		return fmt.Errorf("failed to get existing reaction: %w", err)
	}
	if existing != nil {
		if err = intent.Redact(ctx, roomID, existing.MXID); err != nil {
			log.Err(err).Stringer("reaction_id", existing.MXID).Msg("Failed to redact previous reaction")
		}
		if err = p.bridge.reactions.Delete(ctx, existing.MXID); err != nil {
			return fmt.Errorf("failed to delete previous reaction: %w", err)
		}
	}
	if reaction.Emoji == "" {
		log.Debug().Msg("Removed WhatsApp reaction")
		return nil
	}

	eventID, err := intent.SendReaction(ctx, roomID, target.MXID, reaction.Emoji)
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	err = p.bridge.reactions.Insert(ctx, &database.Reaction{
		MXID:      eventID,
		RoomID:    roomID,
		Sender:    sender,
		RemoteID:  target.RemoteID,
		Emoji:     reaction.Emoji,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save reaction: %w", err)
	}
	log.Debug().Stringer("event_id", eventID).Msg("Bridged WhatsApp reaction")
	return nil
}

// HandleRemoteStatus applies a delivery status to the message it refers to.
func (p *Portal) HandleRemoteStatus(ctx context.Context, tenant *database.Tenant, evt *gupshup.StatusEvent) error {
	log := zerolog.Ctx(ctx)
	roomID := p.RoomID()
	if roomID == "" {
		log.Debug().Msg("Ignoring status for portal without room")
		return nil
	}
	p.sendLock.Lock()
	defer p.sendLock.Unlock()

	switch evt.Status {
	case gupshup.StatusEnqueued, gupshup.StatusSent, gupshup.StatusDelivered:
		log.Debug().Msg("Ignoring transient message status")
		return nil
	case gupshup.StatusRead, gupshup.StatusFailed:
	default:
		log.Warn().Msg("Unknown message status")
		return nil
	}

	msg, err := p.bridge.messages.GetByRemoteID(ctx, evt.RemoteID())
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg != nil && msg.RoomID != roomID {
		msg = nil
	}
	if msg == nil {
		p.bridge.Metrics.miss("status")
	}
	intent := p.mainIntent()

	if evt.Status == gupshup.StatusRead {
		if msg == nil {
			log.Debug().Msg("Read status for unknown message")
			return nil
		}
		if err = intent.MarkRead(ctx, roomID, msg.MXID); err != nil {
			return fmt.Errorf("failed to mark %s as read: %w", msg.MXID, err)
		}
		log.Debug().Stringer("event_id", msg.MXID).Msg("Marked message as read")
		return nil
	}

	if msg != nil {
		if _, err = intent.SendReaction(ctx, roomID, msg.MXID, "❌"); err != nil {
			log.Err(err).Stringer("event_id", msg.MXID).Msg("Failed to react to failed message")
		}
	}
	log.Warn().Int("code", evt.Code).Str("reason", evt.Reason).Msg("WhatsApp message failed")
	p.sendNotice(ctx, intent, "*"+p.bridge.Config.ErrorNotice(evt.Code)+"*")
	return nil
}
