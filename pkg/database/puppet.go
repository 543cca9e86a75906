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
	getPuppetBaseQuery = `
		SELECT phone, name, name_set, avatar_set, is_registered, custom_mxid, access_token, next_batch, base_url
		FROM puppet
	`
	getPuppetByPhoneQuery       = getPuppetBaseQuery + ` WHERE phone=$1`
	getPuppetByCustomMXIDQuery  = getPuppetBaseQuery + ` WHERE custom_mxid=$1`
	getAllPuppetsWithCustomMXID = getPuppetBaseQuery + ` WHERE custom_mxid<>''`
	insertPuppetQuery           = `
		INSERT INTO puppet (phone, name, name_set, avatar_set, is_registered, custom_mxid, access_token, next_batch, base_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	updatePuppetQuery = `
		UPDATE puppet
		SET name=$2, name_set=$3, avatar_set=$4, is_registered=$5, custom_mxid=$6, access_token=$7, next_batch=$8, base_url=$9
		WHERE phone=$1
	`
)

type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

// Puppet is the persisted profile of a WhatsApp contact's ghost user.
type Puppet struct {
	Phone        string
	Name         string
	NameSet      bool
	AvatarSet    bool
	IsRegistered bool

	CustomMXID  id.UserID
	AccessToken string
	NextBatch   string
	BaseURL     string
}

func newPuppet(_ *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{}
}

func (pq *PuppetQuery) GetByPhone(ctx context.Context, phone string) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByPhoneQuery, phone)
}

func (pq *PuppetQuery) GetByCustomMXID(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByCustomMXIDQuery, mxid)
}

func (pq *PuppetQuery) GetAllWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	return pq.QueryMany(ctx, getAllPuppetsWithCustomMXID)
}

func (pq *PuppetQuery) Insert(ctx context.Context, p *Puppet) error {
	return pq.Exec(ctx, insertPuppetQuery, p.sqlVariables()...)
}

func (pq *PuppetQuery) Update(ctx context.Context, p *Puppet) error {
	return pq.Exec(ctx, updatePuppetQuery, p.sqlVariables()...)
}

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	var name, customMXID, accessToken, nextBatch, baseURL sql.NullString
	err := row.Scan(
		&p.Phone, &name, &p.NameSet, &p.AvatarSet, &p.IsRegistered,
		&customMXID, &accessToken, &nextBatch, &baseURL,
	)
	if err != nil {
		return nil, err
	}
	p.Name = name.String
	p.CustomMXID = id.UserID(customMXID.String)
	p.AccessToken = accessToken.String
	p.NextBatch = nextBatch.String
	p.BaseURL = baseURL.String
	return p, nil
}

func (p *Puppet) sqlVariables() []any {
	return []any{
		p.Phone, dbutil.StrPtr(p.Name), p.NameSet, p.AvatarSet, p.IsRegistered,
		dbutil.StrPtr(p.CustomMXID), dbutil.StrPtr(p.AccessToken), dbutil.StrPtr(p.NextBatch), dbutil.StrPtr(p.BaseURL),
	}
}
