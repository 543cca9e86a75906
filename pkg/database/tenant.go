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
	getTenantBaseQuery    = `SELECT name, owner, app_id, api_key, phone FROM tenant`
	getTenantByNameQuery  = getTenantBaseQuery + ` WHERE name=$1`
	getTenantByOwnerQuery = getTenantBaseQuery + ` WHERE owner=$1`
	getTenantByPhoneQuery = getTenantBaseQuery + ` WHERE phone=$1`
	insertTenantQuery     = `INSERT INTO tenant (name, owner, app_id, api_key, phone) VALUES ($1, $2, $3, $4, $5)`
	updateTenantKeyQuery  = `UPDATE tenant SET api_key=$2 WHERE owner=$1`
)

type TenantQuery struct {
	*dbutil.QueryHelper[*Tenant]
}

// Tenant is a registered Gupshup application.
type Tenant struct {
	Name   string
	Owner  id.UserID
	AppID  string
	APIKey string
	Phone  string
}

func newTenant(_ *dbutil.QueryHelper[*Tenant]) *Tenant {
	return &Tenant{}
}

func (tq *TenantQuery) GetByName(ctx context.Context, name string) (*Tenant, error) {
	return tq.QueryOne(ctx, getTenantByNameQuery, name)
}

func (tq *TenantQuery) GetByOwner(ctx context.Context, owner id.UserID) (*Tenant, error) {
	return tq.QueryOne(ctx, getTenantByOwnerQuery, owner)
}

func (tq *TenantQuery) GetByPhone(ctx context.Context, phone string) (*Tenant, error) {
	return tq.QueryOne(ctx, getTenantByPhoneQuery, phone)
}

func (tq *TenantQuery) Insert(ctx context.Context, t *Tenant) error {
	return tq.Exec(ctx, insertTenantQuery, t.Name, t.Owner, t.AppID, t.APIKey, t.Phone)
}

func (tq *TenantQuery) UpdateAPIKey(ctx context.Context, owner id.UserID, apiKey string) error {
	return tq.Exec(ctx, updateTenantKeyQuery, owner, apiKey)
}

func (t *Tenant) Scan(row dbutil.Scannable) (*Tenant, error) {
	err := row.Scan(&t.Name, &t.Owner, &t.AppID, &t.APIKey, &t.Phone)
	if err != nil {
		return nil, err
	}
	return t, nil
}
