// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package database contains the persisted state of the bridge: tenants,
// portals, puppets and the message and reaction correlation ledger.
package database

import (
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-gupshup/pkg/database/upgrades"
)

type Database struct {
	*dbutil.Database

	Tenant   *TenantQuery
	Portal   *PortalQuery
	Puppet   *PuppetQuery
	Message  *MessageQuery
	Reaction *ReactionQuery
}

// New wraps a dbutil database and attaches the bridge schema upgrades. Call
// Upgrade before using the queries.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database: db,
		Tenant:   &TenantQuery{dbutil.MakeQueryHelper(db, newTenant)},
		Portal:   &PortalQuery{dbutil.MakeQueryHelper(db, newPortal)},
		Puppet:   &PuppetQuery{dbutil.MakeQueryHelper(db, newPuppet)},
		Message:  &MessageQuery{dbutil.MakeQueryHelper(db, newMessage)},
		Reaction: &ReactionQuery{dbutil.MakeQueryHelper(db, newReaction)},
	}
}
