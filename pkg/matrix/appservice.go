// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
)

// EventHandler receives the Matrix events pushed by the homeserver.
type EventHandler func(ctx context.Context, evt *event.Event)

// handledEvents are the event types forwarded to the bridge.
var handledEvents = []event.Type{
	event.EventMessage,
	event.EventSticker,
	event.EventReaction,
	event.EventRedaction,
	event.StateMember,
	event.EphemeralEventReceipt,
}

// Connector hands out intents backed by an appservice.
type Connector struct {
	AS *appservice.AppService

	processor *appservice.EventProcessor
	log       zerolog.Logger

	puppetLock sync.Mutex
	puppets    map[id.UserID]*doublePuppet
}

type doublePuppet struct {
	token  string
	intent *Intent
}

var _ connector.MatrixConnector = (*Connector)(nil)

func NewConnector(as *appservice.AppService, log zerolog.Logger) *Connector {
	return &Connector{
		AS:      as,
		log:     log,
		puppets: make(map[id.UserID]*doublePuppet),
	}
}

func (c *Connector) BotIntent() connector.MatrixAPI {
	return NewIntent(c.AS.BotIntent())
}

func (c *Connector) GhostIntent(userID id.UserID) connector.MatrixAPI {
	return NewIntent(c.AS.Intent(userID))
}

// DoublePuppetIntent logs in as a real Matrix user with their access token.
// The token is checked with whoami once and the client is reused until the
// token changes.
func (c *Connector) DoublePuppetIntent(ctx context.Context, userID id.UserID, accessToken, homeserverURL string) (connector.MatrixAPI, error) {
	c.puppetLock.Lock()
	defer c.puppetLock.Unlock()
	if dp, ok := c.puppets[userID]; ok && dp.token == accessToken {
		return dp.intent, nil
	}
	client, err := c.AS.NewExternalMautrixClient(userID, accessToken, homeserverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	resp, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	} else if resp.UserID != userID {
		return nil, fmt.Errorf("access token belongs to %s, not %s", resp.UserID, userID)
	}
	intent := NewDoublePuppetIntent(client, c.AS.Registration.ID)
	c.puppets[userID] = &doublePuppet{token: accessToken, intent: intent}
	return intent, nil
}

// Start registers handler for every bridged event type and starts the
// appservice HTTP listener in the background.
func (c *Connector) Start(ctx context.Context, handler EventHandler) {
	c.processor = appservice.NewEventProcessor(c.AS)
	for _, evtType := range handledEvents {
		c.processor.On(evtType, appservice.EventHandler(handler))
	}
	c.processor.Start(ctx)
	go c.AS.Start()
	c.log.Info().
		Str("hostname", c.AS.Host.Hostname).
		Uint16("port", c.AS.Host.Port).
		Msg("Appservice listener started")
}

func (c *Connector) Stop() {
	c.AS.Stop()
	if c.processor != nil {
		c.processor.Stop()
	}
}
