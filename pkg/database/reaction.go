// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getReactionBaseQuery       = `SELECT mxid, room_id, sender, remote_id, emoji, created_at FROM reaction`
	getReactionByMXIDQuery     = getReactionBaseQuery + ` WHERE mxid=$1`
	getReactionByTargetQuery   = getReactionBaseQuery + ` WHERE remote_id=$1 AND sender=$2`
	insertReactionQuery        = `INSERT INTO reaction (mxid, room_id, sender, remote_id, emoji, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	deleteReactionQuery        = `DELETE FROM reaction WHERE mxid=$1`
	deleteReactionsInRoomQuery = `DELETE FROM reaction WHERE room_id=$1`
)

type ReactionQuery struct {
	*dbutil.QueryHelper[*Reaction]
}

// Reaction correlates a Matrix reaction event with the Gupshup message it
// reacts to. There is at most one row per (RemoteID, Sender).
type Reaction struct {
	MXID      id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	RemoteID  string
	Emoji     string
	CreatedAt time.Time
}

func newReaction(_ *dbutil.QueryHelper[*Reaction]) *Reaction {
	return &Reaction{}
}

func (rq *ReactionQuery) GetByMXID(ctx context.Context, mxid id.EventID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionByMXIDQuery, mxid)
}

func (rq *ReactionQuery) GetByTarget(ctx context.Context, remoteID string, sender id.UserID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionByTargetQuery, remoteID, sender)
}

func (rq *ReactionQuery) Insert(ctx context.Context, r *Reaction) error {
	return rq.Exec(ctx, insertReactionQuery, r.MXID, r.RoomID, r.Sender, r.RemoteID, r.Emoji, r.CreatedAt.UnixMilli())
}

func (rq *ReactionQuery) Delete(ctx context.Context, mxid id.EventID) error {
	return rq.Exec(ctx, deleteReactionQuery, mxid)
}

func (rq *ReactionQuery) DeleteAllInRoom(ctx context.Context, roomID id.RoomID) error {
	return rq.Exec(ctx, deleteReactionsInRoomQuery, roomID)
}

func (r *Reaction) Scan(row dbutil.Scannable) (*Reaction, error) {
	var createdAt int64
	err := row.Scan(&r.MXID, &r.RoomID, &r.Sender, &r.RemoteID, &r.Emoji, &createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	return r, nil
}
