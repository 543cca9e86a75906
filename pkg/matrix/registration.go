// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"fmt"
	"regexp"

	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
)

// NewRegistration builds the appservice registration for cfg. Tokens from
// the config are reused and missing ones are generated.
func NewRegistration(cfg *connector.Config) (*appservice.Registration, error) {
	puppets, err := regexp.Compile(cfg.PuppetUserIDRegex())
	if err != nil {
		return nil, fmt.Errorf("invalid puppet namespace: %w", err)
	}
	bot := regexp.MustCompile("^" + regexp.QuoteMeta(cfg.BotMXID().String()) + "$")

	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.Bot.Username
	reg.AppToken = cfg.AppService.ASToken
	if reg.AppToken == "" {
		reg.AppToken = random.String(64)
	}
	reg.ServerToken = cfg.AppService.HSToken
	if reg.ServerToken == "" {
		reg.ServerToken = random.String(64)
	}
	rateLimited := false
	reg.RateLimited = &rateLimited
	reg.Namespaces.UserIDs.Register(bot, true)
	reg.Namespaces.UserIDs.Register(puppets, true)
	reg.EphemeralEvents = cfg.AppService.EphemeralEvents
	reg.SoruEphemeralEvents = cfg.AppService.EphemeralEvents
	return reg, nil
}
