// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getMessageBaseQuery       = `SELECT mxid, room_id, sender, remote_id, tenant FROM message`
	getMessageByMXIDQuery     = getMessageBaseQuery + ` WHERE mxid=$1 AND room_id=$2`
	getMessageByRemoteIDQuery = getMessageBaseQuery + ` WHERE remote_id=$1 LIMIT 1`
	insertMessageQuery        = `INSERT INTO message (mxid, room_id, sender, remote_id, tenant) VALUES ($1, $2, $3, $4, $5)`
	deleteMessagesInRoomQuery = `DELETE FROM message WHERE room_id=$1`
)

type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

// Message correlates a Matrix event with a Gupshup message ID.
type Message struct {
	MXID     id.EventID
	RoomID   id.RoomID
	Sender   id.UserID
	RemoteID string
	Tenant   string
}

func newMessage(_ *dbutil.QueryHelper[*Message]) *Message {
	return &Message{}
}

func (mq *MessageQuery) GetByMXID(ctx context.Context, mxid id.EventID, roomID id.RoomID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByMXIDQuery, mxid, roomID)
}

func (mq *MessageQuery) GetByRemoteID(ctx context.Context, remoteID string) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByRemoteIDQuery, remoteID)
}

func (mq *MessageQuery) Insert(ctx context.Context, msg *Message) error {
	return mq.Exec(ctx, insertMessageQuery, msg.MXID, msg.RoomID, msg.Sender, msg.RemoteID, msg.Tenant)
}

func (mq *MessageQuery) DeleteAllInRoom(ctx context.Context, roomID id.RoomID) error {
	return mq.Exec(ctx, deleteMessagesInRoomQuery, roomID)
}

func (msg *Message) Scan(row dbutil.Scannable) (*Message, error) {
	err := row.Scan(&msg.MXID, &msg.RoomID, &msg.Sender, &msg.RemoteID, &msg.Tenant)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
