// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
)

// DoublePuppetSourceKey marks events sent through a double puppet, so that
// the bridge can drop them when the homeserver echoes them back.
const DoublePuppetSourceKey = "fi.mau.double_puppet_source"

// Intent implements connector.MatrixAPI on top of an appservice intent (the
// bridge bot and ghosts) or a plain client (double puppets).
type Intent struct {
	userID id.UserID
	// as is nil for double puppets.
	as     *appservice.IntentAPI
	client *mautrix.Client
	// source is added to every message of a double puppet.
	source string
}

var _ connector.MatrixAPI = (*Intent)(nil)

// NewIntent wraps an appservice intent.
func NewIntent(intent *appservice.IntentAPI) *Intent {
	return &Intent{userID: intent.UserID, as: intent, client: intent.Client}
}

// NewDoublePuppetIntent wraps a client logged in as a real Matrix user.
// source is the appservice ID written to DoublePuppetSourceKey.
func NewDoublePuppetIntent(client *mautrix.Client, source string) *Intent {
	return &Intent{userID: client.UserID, client: client, source: source}
}

func (i *Intent) UserID() id.UserID {
	return i.userID
}

func (i *Intent) EnsureRegistered(ctx context.Context) error {
	if i.as == nil {
		return nil
	}
	return i.as.EnsureRegistered(ctx)
}

func (i *Intent) CreateRoom(ctx context.Context, params *connector.RoomCreateParams) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       params.Name,
		Topic:      params.Topic,
		Invite:     params.Invite,
		IsDirect:   params.IsDirect,
	}
	for _, evt := range params.InitialState {
		if levels, ok := evt.Content.Parsed.(*event.PowerLevelsEventContent); ok && evt.Type == event.StatePowerLevels {
			req.PowerLevelOverride = levels
			continue
		}
		req.InitialState = append(req.InitialState, evt)
	}
	if !params.Federate {
		req.CreationContent = map[string]any{"m.federate": false}
	}
	var resp *mautrix.RespCreateRoom
	var err error
	if i.as != nil {
		resp, err = i.as.CreateRoom(ctx, req)
	} else {
		resp, err = i.client.CreateRoom(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (i *Intent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID, isDirect bool) error {
	var err error
	if isDirect {
		// The invite endpoint can't mark a room as direct, so the member event is sent directly.
		_, err = i.sendState(ctx, roomID, event.StateMember, userID.String(), &event.MemberEventContent{
			Membership: event.MembershipInvite,
			IsDirect:   true,
		})
	} else if i.as != nil {
		_, err = i.as.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	} else {
		_, err = i.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	}
	return err
}

func (i *Intent) GetJoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := i.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (i *Intent) GetPowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	var levels event.PowerLevelsEventContent
	if err := i.client.StateEvent(ctx, roomID, event.StatePowerLevels, "", &levels); err != nil {
		return nil, err
	}
	return &levels, nil
}

func (i *Intent) SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	_, err := i.sendState(ctx, roomID, event.StatePowerLevels, "", levels)
	return err
}

func (i *Intent) sendState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (*mautrix.RespSendEvent, error) {
	if i.as != nil {
		return i.as.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	}
	return i.client.SendStateEvent(ctx, roomID, evtType, stateKey, content)
}

// wrap adds the double puppet marker to outgoing content.
func (i *Intent) wrap(content any) any {
	if i.source == "" {
		return content
	}
	return &event.Content{
		Parsed: content,
		Raw:    map[string]any{DoublePuppetSourceKey: i.source},
	}
}

func (i *Intent) sendEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (id.EventID, error) {
	var resp *mautrix.RespSendEvent
	var err error
	if i.as != nil {
		resp, err = i.as.SendMessageEvent(ctx, roomID, evtType, i.wrap(content))
	} else {
		resp, err = i.client.SendMessageEvent(ctx, roomID, evtType, i.wrap(content))
	}
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *Intent) SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) (id.EventID, error) {
	return i.sendEvent(ctx, roomID, evtType, content)
}

func (i *Intent) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	return i.sendEvent(ctx, roomID, event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     key,
		},
	})
}

func (i *Intent) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	var err error
	if i.as != nil {
		_, err = i.as.RedactEvent(ctx, roomID, eventID)
	} else {
		_, err = i.client.RedactEvent(ctx, roomID, eventID)
	}
	return err
}

func (i *Intent) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return i.client.MarkRead(ctx, roomID, eventID)
}

func (i *Intent) UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURIString, error) {
	if err := i.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	resp, err := i.client.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	return resp.ContentURI.CUString(), nil
}

func (i *Intent) SetDisplayName(ctx context.Context, name string) error {
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	return i.client.SetDisplayName(ctx, name)
}
