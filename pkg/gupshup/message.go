// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gupshup

// Message is an outbound message body. It is JSON encoded into the "message"
// form field of a send request.
type Message interface {
	MessageKind() string
}

// Replyable is implemented by messages that can quote an earlier message.
type Replyable interface {
	Message
	SetReplyTo(msgID string)
}

type MessageContext struct {
	MsgID string `json:"msgId"`
}

type replyContext struct {
	Context *MessageContext `json:"context,omitempty"`
}

func (rc *replyContext) SetReplyTo(msgID string) {
	if msgID == "" {
		rc.Context = nil
		return
	}
	rc.Context = &MessageContext{MsgID: msgID}
}

type TextMessage struct {
	IsHSM string `json:"isHSM"`
	Type  string `json:"type"`
	Text  string `json:"text"`
	replyContext
}

func NewTextMessage(text string) *TextMessage {
	return &TextMessage{IsHSM: "false", Type: "text", Text: text}
}

func (*TextMessage) MessageKind() string { return "text" }

type ImageMessage struct {
	Type        string `json:"type"`
	OriginalURL string `json:"originalUrl"`
	PreviewURL  string `json:"previewUrl"`
	Caption     string `json:"caption,omitempty"`
	replyContext
}

func NewImageMessage(url, caption string) *ImageMessage {
	return &ImageMessage{Type: "image", OriginalURL: url, PreviewURL: url, Caption: caption}
}

func (*ImageMessage) MessageKind() string { return "image" }

// MediaMessage is used for video, audio and file messages.
type MediaMessage struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	replyContext
}

func NewVideoMessage(url, caption string) *MediaMessage {
	return &MediaMessage{Type: "video", URL: url, Caption: caption}
}

func NewAudioMessage(url string) *MediaMessage {
	return &MediaMessage{Type: "audio", URL: url}
}

func NewFileMessage(url, filename string) *MediaMessage {
	return &MediaMessage{Type: "file", URL: url, Filename: filename}
}

func (mm *MediaMessage) MessageKind() string { return mm.Type }

type LocationMessage struct {
	Type      string  `json:"type"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
	replyContext
}

func NewLocationMessage(lat, long float64, name, address string) *LocationMessage {
	return &LocationMessage{Type: "location", Latitude: lat, Longitude: long, Name: name, Address: address}
}

func (*LocationMessage) MessageKind() string { return "location" }

// ReactionMessage reacts to an earlier message. An empty emoji removes the
// sender's reaction.
type ReactionMessage struct {
	MsgID string `json:"msgId"`
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

func NewReactionMessage(msgID, emoji string) *ReactionMessage {
	return &ReactionMessage{MsgID: msgID, Type: "reaction", Emoji: emoji}
}

func (*ReactionMessage) MessageKind() string { return "reaction" }
