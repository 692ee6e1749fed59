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

	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/storage"
)

// Broadcaster sends one event to everybody who shares access with a user.
type Broadcaster struct {
	oracle   storage.AccessOracle
	notifier storage.Notifier
	log      zerolog.Logger
}

func NewBroadcaster(oracle storage.AccessOracle, notifier storage.Notifier, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		oracle:   oracle,
		notifier: notifier,
		log:      log.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast delivers event to every peer of userID and returns how many
// peers were notified. Push delivery is best-effort: failures for single
// peers are logged and skipped.
func (b *Broadcaster) Broadcast(ctx context.Context, userID string, event models.Event) (int, error) {
	peers, err := b.oracle.Peers(ctx, userID)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, peer := range peers {
		if err := b.notifier.Notify(ctx, peer, event); err != nil {
			b.log.Warn().Err(err).
				Str("peer_id", peer).
				Str("type", event.Type).
				Msg("failed to notify peer")
			continue
		}
		sent++
	}
	return sent, nil
}

// AnnouncePresence tells userID's peers that userID just came online, so
// they can hand over any sender keys it missed.
func (b *Broadcaster) AnnouncePresence(ctx context.Context, userID string) error {
	_, err := b.Broadcast(ctx, userID, models.Event{
		Type:   models.EventPresenceJoined,
		UserID: userID,
	})
	return err
}
