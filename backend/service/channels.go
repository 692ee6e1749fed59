// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/storage"
)

// ChannelService exposes the per-channel encryption flag to members.
type ChannelService struct {
	store  storage.ChannelStore
	oracle storage.AccessOracle
	log    zerolog.Logger
}

func NewChannelService(store storage.ChannelStore, oracle storage.AccessOracle, log zerolog.Logger) *ChannelService {
	return &ChannelService{
		store:  store,
		oracle: oracle,
		log:    log.With().Str("component", "channels").Logger(),
	}
}

// GetChannel returns the channel if the caller can access it. Unknown
// channels are reported as inaccessible.
func (s *ChannelService) GetChannel(ctx context.Context, callerID, channelID string) (*models.Channel, error) {
	if err := authorizeChannel(ctx, s.oracle, callerID, channelID); err != nil {
		return nil, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if ch == nil {
		return nil, ErrNoChannelAccess
	}
	return ch, nil
}

// EnableEncryption turns on end-to-end encryption for a channel. Calling it
// on an already encrypted channel is a no-op.
func (s *ChannelService) EnableEncryption(ctx context.Context, callerID, channelID string) (*models.Channel, error) {
	ch, err := s.GetChannel(ctx, callerID, channelID)
	if err != nil {
		return nil, err
	}
	if ch.IsE2EEnabled {
		return ch, nil
	}
	if err := s.store.EnableChannelEncryption(ctx, channelID); err != nil {
		return nil, fmt.Errorf("failed to enable encryption: %w", err)
	}
	ch.IsE2EEnabled = true
	s.log.Info().Str("channel_id", channelID).Str("user_id", callerID).Msg("channel encryption enabled")
	return ch, nil
}
