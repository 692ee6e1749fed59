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

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/efchatnet/keyex/backend/models"
)

// SharesAccess reports whether two users have at least one server in
// common. A user always shares access with themself.
func (s *Store) SharesAccess(ctx context.Context, userID, otherUserID string) (bool, error) {
	if userID == otherUserID {
		return true, nil
	}
	var exists bool
	err := s.db.GetContext(ctx, &exists, s.db.Rebind(`
		SELECT EXISTS(
			SELECT 1 FROM server_members a
			JOIN server_members b ON a.server_id = b.server_id
			WHERE a.user_id = ? AND b.user_id = ?
		)`), userID, otherUserID)
	return exists, err
}

func (s *Store) CanAccessChannel(ctx context.Context, userID, channelID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, s.db.Rebind(`
		SELECT EXISTS(
			SELECT 1 FROM channels c
			JOIN server_members m ON m.server_id = c.server_id
			WHERE c.channel_id = ? AND m.user_id = ?
		)`), channelID, userID)
	return exists, err
}

func (s *Store) Peers(ctx context.Context, userID string) ([]string, error) {
	var peers []string
	err := s.db.SelectContext(ctx, &peers, s.db.Rebind(`
		SELECT DISTINCT b.user_id FROM server_members a
		JOIN server_members b ON a.server_id = b.server_id
		WHERE a.user_id = ? AND b.user_id <> ?
		ORDER BY b.user_id`), userID, userID)
	return peers, err
}

func (s *Store) AddServerMember(ctx context.Context, serverID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO server_members (server_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT (server_id, user_id) DO NOTHING`),
		serverID, userID, time.Now().UTC())
	return err
}

func (s *Store) CreateChannel(ctx context.Context, channelID, serverID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO channels (channel_id, server_id, is_e2e_enabled, created_at)
		VALUES (?, ?, ?, ?)`),
		channelID, serverID, false, time.Now().UTC())
	return err
}

// GetChannel returns nil when the channel does not exist.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.GetContext(ctx, &ch, s.db.Rebind(`
		SELECT channel_id, server_id, is_e2e_enabled, created_at
		FROM channels WHERE channel_id = ?`), channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// EnableChannelEncryption turns encryption on. Nothing turns it off.
func (s *Store) EnableChannelEncryption(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE channels SET is_e2e_enabled = ? WHERE channel_id = ?`),
		true, channelID)
	return err
}
