// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gupshup contains the Gupshup WhatsApp Business API client and the
// typed representation of its webhook events.
package gupshup

import (
	"encoding/json"
	"strconv"
	"strings"
)

// EventType is the top-level "type" of a webhook envelope.
type EventType string

const (
	EventTypeMessage      EventType = "message"
	EventTypeMessageEvent EventType = "message-event"
	EventTypeUserEvent    EventType = "user-event"
)

// MessageType is the "type" of an inbound message payload.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageVideo       MessageType = "video"
	MessageAudio       MessageType = "audio"
	MessageFile        MessageType = "file"
	MessageSticker     MessageType = "sticker"
	MessageContact     MessageType = "contact"
	MessageLocation    MessageType = "location"
	MessageButtonReply MessageType = "button_reply"
	MessageListReply   MessageType = "list_reply"
	MessageReaction    MessageType = "reaction"
)

// MessageStatus is the "type" of a message-event payload.
type MessageStatus string

const (
	StatusEnqueued  MessageStatus = "enqueued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Event is implemented by every decoded webhook event.
type Event interface {
	TenantName() string
	EventType() EventType
}

// Sender is the WhatsApp user who sent an inbound message.
type Sender struct {
	Phone       string `json:"phone"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	DialCode    string `json:"dial_code"`
}

// ReplyContext references the message an inbound message replies to.
type ReplyContext struct {
	ID   string `json:"id"`
	GsID string `json:"gsId"`
}

// RemoteID returns the Gupshup message ID of the replied-to message, preferring
// the Gupshup ID over the WhatsApp one.
func (rc *ReplyContext) RemoteID() string {
	if rc == nil {
		return ""
	}
	if rc.GsID != "" {
		return rc.GsID
	}
	return rc.ID
}

// MessageEvent is an inbound WhatsApp message.
type MessageEvent struct {
	App       string
	Timestamp int64
	ID        string
	GsID      string
	Source    string
	Sender    Sender
	Context   *ReplyContext
	Content   Content
}

func (evt *MessageEvent) TenantName() string   { return evt.App }
func (evt *MessageEvent) EventType() EventType { return EventTypeMessage }

// Phone returns the phone number of the remote contact.
func (evt *MessageEvent) Phone() string {
	if evt.Sender.Phone != "" {
		return evt.Sender.Phone
	}
	return evt.Source
}

// StatusEvent reports the delivery status of an outbound message.
type StatusEvent struct {
	App         string
	Timestamp   int64
	ID          string
	GsID        string
	Destination string
	Status      MessageStatus
	Code        int
	Reason      string
}

func (evt *StatusEvent) TenantName() string   { return evt.App }
func (evt *StatusEvent) EventType() EventType { return EventTypeMessageEvent }

// RemoteID returns the ID the status refers to. Gupshup puts its own ID in
// gsId for read receipts and in id for failures.
func (evt *StatusEvent) RemoteID() string {
	if evt.GsID != "" {
		return evt.GsID
	}
	return evt.ID
}

// UserEvent is an opt-in/opt-out notification. The bridge only acknowledges these.
type UserEvent struct {
	App       string
	Timestamp int64
	Kind      string
	Phone     string
}

func (evt *UserEvent) TenantName() string   { return evt.App }
func (evt *UserEvent) EventType() EventType { return EventTypeUserEvent }

// Content is the type-specific body of an inbound message.
type Content interface {
	MessageType() MessageType
}

type TextContent struct {
	Text string `json:"text"`
}

func (*TextContent) MessageType() MessageType { return MessageText }

// MediaContent covers images, videos, audio, files and stickers.
type MediaContent struct {
	Type        MessageType `json:"-"`
	URL         string      `json:"url"`
	ContentType string      `json:"contentType"`
	Caption     string      `json:"caption"`
	Name        string      `json:"name"`
	URLExpiry   int64       `json:"urlExpiry"`
}

func (mc *MediaContent) MessageType() MessageType { return mc.Type }

type ContactContent struct {
	Contacts []Contact `json:"contacts"`
}

func (*ContactContent) MessageType() MessageType { return MessageContact }

type Contact struct {
	Name   ContactName    `json:"name"`
	Phones []ContactPhone `json:"phones"`
	Emails []ContactEmail `json:"emails"`
	Org    ContactOrg     `json:"org"`
}

type ContactName struct {
	FormattedName string `json:"formatted_name"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
}

// DisplayName returns the best available name for the contact.
func (cn ContactName) DisplayName() string {
	if cn.FormattedName != "" {
		return cn.FormattedName
	}
	return strings.TrimSpace(cn.FirstName + " " + cn.LastName)
}

type ContactPhone struct {
	Phone string `json:"phone"`
	Type  string `json:"type"`
	WaID  string `json:"wa_id"`
}

type ContactEmail struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

type ContactOrg struct {
	Company string `json:"company"`
	Title   string `json:"title"`
}

type LocationContent struct {
	Latitude  Coordinate `json:"latitude"`
	Longitude Coordinate `json:"longitude"`
	Name      string     `json:"name"`
	Address   string     `json:"address"`
}

func (*LocationContent) MessageType() MessageType { return MessageLocation }

// ButtonReplyContent is the answer to a quick reply interactive message.
type ButtonReplyContent struct {
	Title string `json:"title"`
	ID    string `json:"id"`
	Reply string `json:"reply"`
}

func (*ButtonReplyContent) MessageType() MessageType { return MessageButtonReply }

// ListReplyContent is the answer to a list interactive message.
type ListReplyContent struct {
	Title        string `json:"title"`
	ID           string `json:"id"`
	Reply        string `json:"reply"`
	PostbackText string `json:"postbackText"`
	Description  string `json:"description"`
}

func (*ListReplyContent) MessageType() MessageType { return MessageListReply }

// ReactionContent is a reaction to an earlier message. An empty emoji removes
// the reaction.
type ReactionContent struct {
	ID    string `json:"id"`
	GsID  string `json:"gsId"`
	MsgID string `json:"msgId"`
	Emoji string `json:"emoji"`
}

func (*ReactionContent) MessageType() MessageType { return MessageReaction }

// TargetID returns the ID of the message being reacted to.
func (rc *ReactionContent) TargetID() string {
	switch {
	case rc.GsID != "":
		return rc.GsID
	case rc.MsgID != "":
		return rc.MsgID
	default:
		return rc.ID
	}
}

// UnknownContent holds a payload the bridge does not know how to translate.
type UnknownContent struct {
	Type MessageType
	Raw  json.RawMessage
}

func (uc *UnknownContent) MessageType() MessageType { return uc.Type }

// Coordinate accepts both JSON numbers and numeric strings, Gupshup sends either.
type Coordinate float64

func (c *Coordinate) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	if str == "" || str == "null" {
		*c = 0
		return nil
	}
	val, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return err
	}
	*c = Coordinate(val)
	return nil
}
