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

// Push event types. Events never carry key material: a recipient that
// gets a sender-key hint pulls the payload over an authorized request.
const (
	EventSenderKeyDistribution = "sender_key_distribution"
	EventIdentityReset         = "identity_reset"
	EventPresenceJoined        = "presence_joined"
)

type Event struct {
	Type       string `json:"type"`
	ChannelID  string `json:"channel_id,omitempty"`
	FromUserID string `json:"from_user_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}
