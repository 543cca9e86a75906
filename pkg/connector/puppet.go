// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// PuppetStore is the persistence used by PuppetResolver.
type PuppetStore interface {
	GetByPhone(ctx context.Context, phone string) (*database.Puppet, error)
	GetByCustomMXID(ctx context.Context, mxid id.UserID) (*database.Puppet, error)
	GetAllWithCustomMXID(ctx context.Context) ([]*database.Puppet, error)
	Insert(ctx context.Context, p *database.Puppet) error
	Update(ctx context.Context, p *database.Puppet) error
}

// PuppetResolver maps WhatsApp phone numbers to Matrix ghost users. It is
// the only writer of the puppet table.
type PuppetResolver struct {
	store  PuppetStore
	matrix MatrixConnector
	cfg    *Config
	log    zerolog.Logger

	loadGroup singleflight.Group
}

func NewPuppetResolver(store PuppetStore, matrix MatrixConnector, cfg *Config, log zerolog.Logger) *PuppetResolver {
	return &PuppetResolver{
		store:  store,
		matrix: matrix,
		cfg:    cfg,
		log:    log.With().Str("component", "puppet_resolver").Logger(),
	}
}

// ResolveRoomIdentity returns the ghost user ID of a phone number without
// touching the database.
func (pr *PuppetResolver) ResolveRoomIdentity(phone string) id.UserID {
	return pr.cfg.PuppetUserID(phone)
}

// IsPuppet reports whether a Matrix user is one of the bridge's ghosts.
func (pr *PuppetResolver) IsPuppet(userID id.UserID) bool {
	_, ok := pr.cfg.ParsePuppetUserID(userID)
	return ok
}

// GetOrCreate loads the puppet of a phone number, creating the row and
// registering the ghost with the homeserver when needed.
func (pr *PuppetResolver) GetOrCreate(ctx context.Context, phone string) (*database.Puppet, error) {
	val, err, _ := pr.loadGroup.Do(phone, func() (any, error) {
		puppet, err := pr.store.GetByPhone(ctx, phone)
		if err != nil {
			return nil, fmt.Errorf("failed to get puppet: %w", err)
		}
		if puppet == nil {
			puppet = &database.Puppet{Phone: phone}
			if err = pr.store.Insert(ctx, puppet); err != nil {
				return nil, fmt.Errorf("failed to insert puppet: %w", err)
			}
			pr.log.Debug().Str("phone", phone).Msg("Created puppet")
		}
		if !puppet.IsRegistered {
			intent := pr.matrix.GhostIntent(pr.ResolveRoomIdentity(phone))
			if err = intent.EnsureRegistered(ctx); err != nil {
				return nil, fmt.Errorf("failed to register ghost: %w", err)
			}
			puppet.IsRegistered = true
			if err = pr.store.Update(ctx, puppet); err != nil {
				return nil, fmt.Errorf("failed to save puppet: %w", err)
			}
		}
		return puppet, nil
	})
	if err != nil {
		return nil, err
	}
	// Callers may mutate their copy, so shared results are never handed out.
	puppet := *val.(*database.Puppet)
	return &puppet, nil
}

// UpdateProfile sets the ghost's displayname from WhatsApp sender info. The
// Matrix profile API is only called when the name actually changes.
func (pr *PuppetResolver) UpdateProfile(ctx context.Context, puppet *database.Puppet, sender gupshup.Sender) (bool, error) {
	if sender.Name == "" && puppet.NameSet {
		return false, nil
	}
	name := pr.cfg.FormatDisplayname(DisplaynameParams{Phone: puppet.Phone, Name: sender.Name})
	if puppet.NameSet && puppet.Name == name {
		return false, nil
	}
	intent := pr.matrix.GhostIntent(pr.ResolveRoomIdentity(puppet.Phone))
	if err := intent.SetDisplayName(ctx, name); err != nil {
		return false, fmt.Errorf("failed to set displayname: %w", err)
	}
	puppet.Name = name
	puppet.NameSet = true
	if err := pr.store.Update(ctx, puppet); err != nil {
		return true, fmt.Errorf("failed to save puppet: %w", err)
	}
	pr.log.Debug().Str("phone", puppet.Phone).Str("name", name).Msg("Updated puppet displayname")
	return true, nil
}

// IntentFor returns the intent messages from this puppet are sent with: the
// double puppet when credentials are stored, the ghost otherwise.
func (pr *PuppetResolver) IntentFor(ctx context.Context, puppet *database.Puppet) MatrixAPI {
	if puppet.CustomMXID != "" && puppet.AccessToken != "" {
		intent, err := pr.matrix.DoublePuppetIntent(ctx, puppet.CustomMXID, puppet.AccessToken, puppet.BaseURL)
		if err == nil {
			return intent
		}
		pr.log.Warn().Err(err).
			Str("phone", puppet.Phone).
			Stringer("custom_mxid", puppet.CustomMXID).
			Msg("Failed to create double puppet intent, falling back to ghost")
	}
	return pr.matrix.GhostIntent(pr.ResolveRoomIdentity(puppet.Phone))
}

// WarmDoublePuppets builds the intent of every stored double puppet, so that
// broken credentials show up in the log at startup instead of on the first
// message. It returns how many intents were ready.
func (pr *PuppetResolver) WarmDoublePuppets(ctx context.Context) (int, error) {
	puppets, err := pr.store.GetAllWithCustomMXID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load double puppets: %w", err)
	}
	ready := 0
	for _, puppet := range puppets {
		if puppet.AccessToken == "" {
			continue
		}
		if _, err = pr.matrix.DoublePuppetIntent(ctx, puppet.CustomMXID, puppet.AccessToken, puppet.BaseURL); err != nil {
			pr.log.Warn().Err(err).
				Str("phone", puppet.Phone).
				Stringer("custom_mxid", puppet.CustomMXID).
				Msg("Stored double puppet credentials are not usable")
			continue
		}
		ready++
	}
	return ready, nil
}

// SetDoublePuppet stores Matrix credentials that take over sending for a
// puppet. An empty access token removes them.
func (pr *PuppetResolver) SetDoublePuppet(ctx context.Context, phone string, userID id.UserID, accessToken, homeserverURL string) (*database.Puppet, error) {
	puppet, err := pr.GetOrCreate(ctx, phone)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		if existing, err := pr.store.GetByCustomMXID(ctx, userID); err != nil {
			return nil, fmt.Errorf("failed to check double puppet: %w", err)
		} else if existing != nil && existing.Phone != phone {
			return nil, fmt.Errorf("%w: %s is already the double puppet of another number", ErrNotAllowed, userID)
		}
		if _, err = pr.matrix.DoublePuppetIntent(ctx, userID, accessToken, homeserverURL); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		puppet.CustomMXID = userID
		puppet.AccessToken = accessToken
		puppet.BaseURL = homeserverURL
	} else {
		puppet.CustomMXID = ""
		puppet.AccessToken = ""
		puppet.BaseURL = ""
		puppet.NextBatch = ""
	}
	if err = pr.store.Update(ctx, puppet); err != nil {
		return nil, fmt.Errorf("failed to save puppet: %w", err)
	}
	pr.log.Info().Str("phone", phone).Stringer("custom_mxid", userID).Bool("enabled", accessToken != "").
		Msg("Updated double puppet")
	return puppet, nil
}
