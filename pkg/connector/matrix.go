// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixAPI is the subset of a Matrix intent the bridge acts through. Ghosts,
// double puppets and the bridge bot all implement it.
type MatrixAPI interface {
	UserID() id.UserID
	EnsureRegistered(ctx context.Context) error

	CreateRoom(ctx context.Context, params *RoomCreateParams) (id.RoomID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID, isDirect bool) error
	GetJoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	GetPowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error)
	SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error

	SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) (id.EventID, error)
	SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error

	UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURIString, error)
	SetDisplayName(ctx context.Context, name string) error
}

// MatrixConnector hands out intents.
type MatrixConnector interface {
	BotIntent() MatrixAPI
	GhostIntent(userID id.UserID) MatrixAPI
	DoublePuppetIntent(ctx context.Context, userID id.UserID, accessToken, homeserverURL string) (MatrixAPI, error)
}

// RoomCreateParams describes a new private portal room.
type RoomCreateParams struct {
	Name         string
	Topic        string
	IsDirect     bool
	Federate     bool
	Invite       []id.UserID
	InitialState []*event.Event
}
