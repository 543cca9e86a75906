// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gupshup

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrUnknownEventType = errors.New("unknown webhook event type")
)

// PeekTenant returns the app name of a webhook body without decoding the rest
// of it, so that unregistered tenants can be rejected first.
func PeekTenant(data []byte) string {
	return gjson.GetBytes(data, "app").String()
}

// ParseWebhook decodes a webhook body into a *MessageEvent, *StatusEvent or
// *UserEvent.
func ParseWebhook(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidPayload)
	}
	root := gjson.ParseBytes(data)
	app := root.Get("app").String()
	if app == "" {
		return nil, fmt.Errorf("%w: missing app", ErrInvalidPayload)
	}
	ts := root.Get("timestamp").Int()
	payload := root.Get("payload")

	switch evtType := EventType(root.Get("type").String()); evtType {
	case EventTypeMessage:
		return parseMessage(app, ts, payload)
	case EventTypeMessageEvent:
		return parseStatus(app, ts, payload)
	case EventTypeUserEvent:
		return &UserEvent{
			App:       app,
			Timestamp: ts,
			Kind:      payload.Get("type").String(),
			Phone:     payload.Get("phone").String(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evtType)
	}
}

func parseMessage(app string, ts int64, payload gjson.Result) (*MessageEvent, error) {
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: message without payload", ErrInvalidPayload)
	}
	evt := &MessageEvent{
		App:       app,
		Timestamp: ts,
		ID:        payload.Get("id").String(),
		GsID:      payload.Get("gsId").String(),
		Source:    payload.Get("source").String(),
	}
	if sender := payload.Get("sender"); sender.IsObject() {
		if err := json.Unmarshal([]byte(sender.Raw), &evt.Sender); err != nil {
			return nil, fmt.Errorf("%w: sender: %w", ErrInvalidPayload, err)
		}
	}
	if evt.ID == "" || evt.Phone() == "" {
		return nil, fmt.Errorf("%w: message without id or sender phone", ErrInvalidPayload)
	}
	if ctx := payload.Get("context"); ctx.IsObject() {
		evt.Context = &ReplyContext{
			ID:   ctx.Get("id").String(),
			GsID: ctx.Get("gsId").String(),
		}
		if evt.Context.RemoteID() == "" {
			evt.Context = nil
		}
	}
	evt.Content = decodeContent(MessageType(payload.Get("type").String()), innerBody(payload))
	return evt, nil
}

// decodeContent decodes the type-specific body of a message. Bodies that are
// missing or malformed become *UnknownContent so that the message still
// reaches the room as a placeholder.
func decodeContent(msgType MessageType, body gjson.Result) Content {
	unknown := &UnknownContent{Type: msgType}
	if body.Raw != "" {
		unknown.Raw = json.RawMessage(body.Raw)
	}
	var content Content
	switch msgType {
	case MessageText:
		content = &TextContent{}
	case MessageImage, MessageVideo, MessageAudio, MessageFile, MessageSticker:
		content = &MediaContent{Type: msgType}
	case MessageContact:
		content = &ContactContent{}
	case MessageLocation:
		content = &LocationContent{}
	case MessageButtonReply:
		content = &ButtonReplyContent{}
	case MessageListReply:
		content = &ListReplyContent{}
	case MessageReaction:
		content = &ReactionContent{}
	default:
		return unknown
	}
	if !body.IsObject() || json.Unmarshal([]byte(body.Raw), content) != nil {
		return unknown
	}
	return content
}

func parseStatus(app string, ts int64, payload gjson.Result) (*StatusEvent, error) {
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: status without payload", ErrInvalidPayload)
	}
	evt := &StatusEvent{
		App:         app,
		Timestamp:   ts,
		ID:          payload.Get("id").String(),
		GsID:        payload.Get("gsId").String(),
		Destination: payload.Get("destination").String(),
		Status:      MessageStatus(payload.Get("type").String()),
	}
	if body := innerBody(payload); body.IsObject() {
		evt.Code = int(body.Get("code").Int())
		evt.Reason = body.Get("reason").String()
	}
	if evt.RemoteID() == "" {
		return nil, fmt.Errorf("%w: status without message id", ErrInvalidPayload)
	}
	return evt, nil
}

// innerBody returns the type-specific body, which some producers send as
// "body" instead of "payload".
func innerBody(payload gjson.Result) gjson.Result {
	if body := payload.Get("payload"); body.Exists() {
		return body
	}
	return payload.Get("body")
}
