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

// SenderKeyDistribution is a mailbox row carrying one encrypted sender-key
// distribution message for one recipient in one channel. The server never
// sees the sender key itself.
type SenderKeyDistribution struct {
	ID                  string    `json:"id" db:"id"`
	ChannelID           string    `json:"channel_id" db:"channel_id"`
	FromUserID          string    `json:"from_user_id" db:"from_user_id"`
	ToUserID            string    `json:"to_user_id" db:"to_user_id"`
	DistributionMessage []byte    `json:"distribution_message" db:"distribution_message"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// Distribution is one recipient's payload inside a batch request.
type Distribution struct {
	ToUserID            string `json:"to_user_id"`
	DistributionMessage []byte `json:"distribution_message"`
}
