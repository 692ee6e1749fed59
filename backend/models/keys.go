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

// IdentityKey is the single long-term public identity of a user.
// Re-registration replaces the row in place.
type IdentityKey struct {
	UserID         string    `json:"user_id" db:"user_id"`
	PublicKey      []byte    `json:"public_key" db:"public_key"`
	RegistrationID int       `json:"registration_id" db:"registration_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SignedPreKey rows form an append-only history per user. The current
// key is the one with the latest CreatedAt, not the highest KeyID.
type SignedPreKey struct {
	UserID    string    `json:"-" db:"user_id"`
	KeyID     int       `json:"key_id" db:"key_id"`
	PublicKey []byte    `json:"public_key" db:"public_key"`
	Signature []byte    `json:"signature" db:"signature"`
	CreatedAt time.Time `json:"-" db:"created_at"`
}

// OneTimePreKey is a single-use key. Fetching a bundle deletes it.
type OneTimePreKey struct {
	UserID    string `json:"-" db:"user_id"`
	KeyID     int    `json:"key_id" db:"key_id"`
	PublicKey []byte `json:"public_key" db:"public_key"`
}

type PreKeyBundle struct {
	UserID            string         `json:"user_id"`
	RegistrationID    int            `json:"registration_id"`
	IdentityPublicKey []byte         `json:"identity_public_key"`
	SignedPreKey      SignedPreKey   `json:"signed_pre_key"`
	OneTimePreKey     *OneTimePreKey `json:"one_time_pre_key"`
}

type KeyRegistration struct {
	RegistrationID    int             `json:"registration_id"`
	IdentityPublicKey []byte          `json:"identity_public_key"`
	SignedPreKey      SignedPreKey    `json:"signed_pre_key"`
	OneTimePreKeys    []OneTimePreKey `json:"one_time_pre_keys"`
}

// RegistrationResult reports what registerKeys changed.
type RegistrationResult struct {
	// IdentityChanged is true when a previously registered identity key
	// was replaced by a different one.
	IdentityChanged bool `json:"identity_changed"`
	OneTimePreKeys  int  `json:"one_time_pre_keys"`
}

type KeyStatus struct {
	RemainingKeys int `json:"remaining_keys"`
	// SignedPreKeyCreatedAt is the creation time of the current signed
	// pre-key, nil before registration.
	SignedPreKeyCreatedAt *time.Time `json:"signed_pre_key_created_at,omitempty"`
}
