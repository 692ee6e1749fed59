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

package models

import (
	"time"
)

// Channel is a group conversation. IsE2EEnabled only ever moves from
// false to true.
type Channel struct {
	ChannelID    string    `json:"channel_id" db:"channel_id"`
	ServerID     string    `json:"server_id" db:"server_id"`
	IsE2EEnabled bool      `json:"is_e2e_enabled" db:"is_e2e_enabled"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ServerMember grants a user access to every channel of a server.
type ServerMember struct {
	ServerID string    `json:"server_id" db:"server_id"`
	UserID   string    `json:"user_id" db:"user_id"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}
