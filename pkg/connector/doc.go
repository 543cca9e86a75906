// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements the bridging engine between Matrix rooms and
// WhatsApp conversations reached through the Gupshup business API.
//
// Every Gupshup app is a tenant owned by one Matrix user. A conversation
// between a tenant and a WhatsApp phone number is a [Portal], keyed by its
// chat ID ("{tenant}-{phone}"), and the remote participant appears in the
// room as a ghost user derived from the phone number.
//
// # Core Types
//
// [Bridge] owns the portals and the correlation ledger. It is driven by the
// webhook handler through [Bridge.HandleGupshupEvent] and by the appservice
// through [Bridge.HandleMatrixEvent].
//
// [TenantRegistry] resolves tenants by app name, owner or business phone
// and enforces that owners, phones and names are unique.
//
// [PuppetResolver] derives ghost user IDs from phone numbers and keeps ghost
// profiles and double-puppet credentials.
//
// # Room creation
//
// A portal starts without a room. The first inbound message (or an explicit
// [Bridge.CreateOrGetPortal]) creates it while holding the portal's room
// creation lock, so concurrent first contacts produce exactly one room. Any
// failure reverts the portal so the next event retries.
//
// # Correlation
//
// Every bridged message is recorded as a (Matrix event, Gupshup message ID)
// pair. Outbound sends hold the portal's send lock until the pair is written,
// which keeps the rows in send order. Replies, reactions, read receipts and
// delivery statuses are all resolved through these rows.
//
// # Echo Prevention
//
// Events sent by the bridge bot, by ghosts, or through a double puppet
// (marked with fi.mau.double_puppet_source) are never sent back to WhatsApp.
package connector
