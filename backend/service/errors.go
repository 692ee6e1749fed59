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

// Package service holds the server-side rules of the key exchange: who may
// fetch whose pre-key bundle, how one-time keys are consumed, and how
// sender-key distribution messages move through the mailbox.
package service

import "errors"

var (
	// ErrNoSharedAccess is returned when the caller and the target user
	// have no server in common. It is returned whether or not the target
	// has registered keys.
	ErrNoSharedAccess = errors.New("no shared access with user")

	// ErrNoChannelAccess is returned when the caller, or a recipient of a
	// distribution, cannot access the channel.
	ErrNoChannelAccess = errors.New("no access to channel")

	// ErrInvalidRequest covers malformed key material and batches that are
	// empty or too large.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotRegistered is returned when a user tops up or rotates keys
	// before registering an identity.
	ErrNotRegistered = errors.New("identity keys not registered")
)
