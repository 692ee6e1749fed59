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
	"fmt"
	"strings"
)

func (s *Store) Migrate(ctx context.Context) error {
	d := s.dialect
	migrations := []string{
		// Identity keys table, one row per user
		`CREATE TABLE IF NOT EXISTS identity_keys (
			user_id VARCHAR(255) PRIMARY KEY,
			public_key {{blob}} NOT NULL,
			registration_id INTEGER NOT NULL,
			created_at {{timestamp}} NOT NULL
		)`,

		// Signed prekeys, append-only history
		`CREATE TABLE IF NOT EXISTS signed_pre_keys (
			id {{serial}},
			user_id VARCHAR(255) NOT NULL,
			key_id INTEGER NOT NULL,
			public_key {{blob}} NOT NULL,
			signature {{blob}} NOT NULL,
			created_at {{timestamp}} NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_signed_pre_keys_latest
		ON signed_pre_keys(user_id, created_at)`,

		// One-time prekeys; a claimed key is deleted, not flagged
		`CREATE TABLE IF NOT EXISTS one_time_pre_keys (
			user_id VARCHAR(255) NOT NULL,
			key_id INTEGER NOT NULL,
			public_key {{blob}} NOT NULL,
			created_at {{timestamp}} NOT NULL,
			PRIMARY KEY (user_id, key_id)
		)`,

		// Sender-key mailbox
		`CREATE TABLE IF NOT EXISTS sender_key_distributions (
			seq {{serial}},
			id VARCHAR(64) NOT NULL UNIQUE,
			channel_id VARCHAR(255) NOT NULL,
			from_user_id VARCHAR(255) NOT NULL,
			to_user_id VARCHAR(255) NOT NULL,
			distribution_message {{blob}} NOT NULL,
			created_at {{timestamp}} NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sender_key_recipient
		ON sender_key_distributions(to_user_id, channel_id)`,

		// Server membership, written by the host platform
		`CREATE TABLE IF NOT EXISTS server_members (
			server_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			joined_at {{timestamp}} NOT NULL,
			PRIMARY KEY (server_id, user_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_server_members_user
		ON server_members(user_id, server_id)`,

		// Channels and their encryption flag
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id VARCHAR(255) PRIMARY KEY,
			server_id VARCHAR(255) NOT NULL,
			is_e2e_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at {{timestamp}} NOT NULL
		)`,
	}

	r := strings.NewReplacer(
		"{{blob}}", d.blob,
		"{{timestamp}}", d.timestamp,
		"{{serial}}", d.serial,
	)
	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, r.Replace(migration)); err != nil {
			return fmt.Errorf("sqlstore: migration %d: %w", i, err)
		}
	}

	return nil
}
