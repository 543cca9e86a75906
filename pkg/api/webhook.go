// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// handleWebhook receives one Gupshup event. Unknown apps and event types get
// 406, malformed bodies 400 and everything else 204 once it was handled.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	appName := gupshup.PeekTenant(body)
	if appName == "" {
		log.Warn().Msg("Rejecting webhook without app name")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	tenant, err := s.bridge.Tenants.ResolveByName(r.Context(), appName)
	if errors.Is(err, connector.ErrTenantNotFound) {
		log.Warn().Str("app", appName).Msg("Ignoring event because the app is not registered")
		w.WriteHeader(http.StatusNotAcceptable)
		return
	} else if err != nil {
		log.Err(err).Str("app", appName).Msg("Failed to resolve app")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	evt, err := gupshup.ParseWebhook(body)
	switch {
	case errors.Is(err, gupshup.ErrUnknownEventType):
		log.Debug().Err(err).Msg("Ignoring unsupported event type")
		w.WriteHeader(http.StatusNotAcceptable)
		return
	case err != nil:
		log.Warn().Err(err).Msg("Rejecting malformed webhook")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if evt.EventType() == gupshup.EventTypeUserEvent {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Once accepted, an event is handled to completion even if Gupshup hangs up.
	ctx := context.WithoutCancel(log.With().Str("app", appName).Logger().WithContext(r.Context()))
	if err = s.bridge.HandleGupshupEvent(ctx, tenant, evt); err != nil {
		log.Err(err).Str("event_type", string(evt.EventType())).Msg("Failed to handle Gupshup event")
	}
	w.WriteHeader(http.StatusNoContent)
}
