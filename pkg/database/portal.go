// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getPortalBaseQuery     = `SELECT chat_id, phone, room_id, relay_owner FROM portal`
	getPortalByChatIDQuery = getPortalBaseQuery + ` WHERE chat_id=$1`
	getPortalByMXIDQuery   = getPortalBaseQuery + ` WHERE room_id=$1`
	getAllPortalsWithMXID  = getPortalBaseQuery + ` WHERE room_id IS NOT NULL`
	insertPortalQuery      = `INSERT INTO portal (chat_id, phone, room_id, relay_owner) VALUES ($1, $2, $3, $4)`
	updatePortalQuery      = `UPDATE portal SET phone=$2, room_id=$3, relay_owner=$4 WHERE chat_id=$1`
)

type PortalQuery struct {
	*dbutil.QueryHelper[*Portal]
}

// Portal is the persisted part of a bridged conversation.
type Portal struct {
	ChatID     string
	Phone      string
	MXID       id.RoomID
	RelayOwner id.UserID
}

func newPortal(_ *dbutil.QueryHelper[*Portal]) *Portal {
	return &Portal{}
}

func (pq *PortalQuery) GetByChatID(ctx context.Context, chatID string) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByChatIDQuery, chatID)
}

func (pq *PortalQuery) GetByMXID(ctx context.Context, roomID id.RoomID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByMXIDQuery, roomID)
}

func (pq *PortalQuery) GetAllWithMXID(ctx context.Context) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsWithMXID)
}

func (pq *PortalQuery) Insert(ctx context.Context, p *Portal) error {
	return pq.Exec(ctx, insertPortalQuery, p.sqlVariables()...)
}

func (pq *PortalQuery) Update(ctx context.Context, p *Portal) error {
	return pq.Exec(ctx, updatePortalQuery, p.sqlVariables()...)
}

func (p *Portal) Scan(row dbutil.Scannable) (*Portal, error) {
	var phone, mxid, relayOwner sql.NullString
	err := row.Scan(&p.ChatID, &phone, &mxid, &relayOwner)
	if err != nil {
		return nil, err
	}
	p.Phone = phone.String
	p.MXID = id.RoomID(mxid.String)
	p.RelayOwner = id.UserID(relayOwner.String)
	return p, nil
}

func (p *Portal) sqlVariables() []any {
	return []any{p.ChatID, dbutil.StrPtr(p.Phone), dbutil.StrPtr(p.MXID), dbutil.StrPtr(p.RelayOwner)}
}
