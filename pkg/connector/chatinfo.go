// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// initialPowerLevels builds the power levels of a new portal room from
// bridge.default_power_levels. The ghost and the bridge bot get 100.
func (p *Portal) initialPowerLevels(requester id.UserID) (*event.PowerLevelsEventContent, error) {
	levels := &event.PowerLevelsEventContent{}
	if len(p.bridge.Config.Bridge.DefaultPowerLevels) > 0 {
		data, err := json.Marshal(p.bridge.Config.Bridge.DefaultPowerLevels)
		if err != nil {
			return nil, fmt.Errorf("failed to encode default power levels: %w", err)
		}
		if err = json.Unmarshal(data, levels); err != nil {
			return nil, fmt.Errorf("invalid default power levels: %w", err)
		}
	}
	if levels.Users == nil {
		levels.Users = make(map[id.UserID]int)
	}
	levels.Users[p.ghostID()] = 100
	levels.Users[p.bridge.Config.BotMXID()] = 100
	if requester != "" {
		levels.Users[requester] = p.bridge.Config.Bridge.OwnerPowerLevel
	}
	return levels, nil
}

// SetRoomPowerLevel changes the power level of a room member.
func (p *Portal) SetRoomPowerLevel(ctx context.Context, userID id.UserID, level int) error {
	roomID := p.RoomID()
	if roomID == "" {
		return ErrNoRoom
	}
	intent := p.mainIntent()
	members, err := intent.GetJoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get room members: %w", err)
	}
	if !slices.Contains(members, userID) {
		return fmt.Errorf("%w: %s", ErrNotInRoom, userID)
	}
	levels, err := intent.GetPowerLevels(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get power levels: %w", err)
	}
	if levels.Users == nil {
		levels.Users = make(map[id.UserID]int)
	}
	levels.Users[userID] = level
	if err = intent.SetPowerLevels(ctx, roomID, levels); err != nil {
		return fmt.Errorf("failed to set power levels: %w", err)
	}
	p.log.Info().Stringer("user_id", userID).Int("level", level).Msg("Changed power level")
	return nil
}

// hasRealUsers reports whether anyone other than the bridge bot and the
// ghosts is still joined.
func (p *Portal) hasRealUsers(ctx context.Context) (bool, error) {
	members, err := p.mainIntent().GetJoinedMembers(ctx, p.RoomID())
	if err != nil {
		return false, err
	}
	bot := p.bridge.Config.BotMXID()
	for _, member := range members {
		if member != bot && !p.bridge.Puppets.IsPuppet(member) {
			return true, nil
		}
	}
	return false, nil
}
