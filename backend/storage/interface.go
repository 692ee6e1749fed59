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

package storage

import (
	"context"
	"time"

	"github.com/efchatnet/keyex/backend/models"
)

type KeyStore interface {
	// SaveKeys upserts the identity key and appends the signed pre-key and
	// every one-time pre-key. It reports whether an existing identity key
	// was replaced by a different one.
	SaveKeys(ctx context.Context, userID string, registration models.KeyRegistration) (bool, error)
	HasIdentity(ctx context.Context, userID string) (bool, error)
	AddOneTimePreKeys(ctx context.Context, userID string, prekeys []models.OneTimePreKey) error
	AddSignedPreKey(ctx context.Context, userID string, prekey models.SignedPreKey) error
	GetPreKeyCount(ctx context.Context, userID string) (int, error)
	// LatestSignedPreKeyAt reports when the current signed pre-key was
	// created. ok is false when the user has none.
	LatestSignedPreKeyAt(ctx context.Context, userID string) (at time.Time, ok bool, err error)

	// ClaimPreKeyBundle returns nil when the user has no identity or signed
	// pre-key. One one-time pre-key is deleted in the same transaction it
	// is read in.
	ClaimPreKeyBundle(ctx context.Context, userID string) (*models.PreKeyBundle, error)
}

type MailboxStore interface {
	AppendSenderKeys(ctx context.Context, entries []models.SenderKeyDistribution) error
	// ClaimSenderKeys deletes and returns every row addressed to userID,
	// optionally restricted to one channel. An empty channelID matches all.
	ClaimSenderKeys(ctx context.Context, userID, channelID string) ([]models.SenderKeyDistribution, error)
}

// AccessOracle answers authorization questions owned by the host platform.
type AccessOracle interface {
	SharesAccess(ctx context.Context, userID, otherUserID string) (bool, error)
	CanAccessChannel(ctx context.Context, userID, channelID string) (bool, error)
	// Peers lists every other user that shares access with userID.
	Peers(ctx context.Context, userID string) ([]string, error)
}

type ChannelStore interface {
	AddServerMember(ctx context.Context, serverID, userID string) error
	CreateChannel(ctx context.Context, channelID, serverID string) error
	GetChannel(ctx context.Context, channelID string) (*models.Channel, error)
	EnableChannelEncryption(ctx context.Context, channelID string) error
}

// Notifier delivers payload-free hints over the push channel.
type Notifier interface {
	Notify(ctx context.Context, userID string, event models.Event) error
}

// Subscription streams the push events addressed to one user. The events
// channel is closed when the subscription ends.
type Subscription interface {
	Events() <-chan models.Event
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

type Store interface {
	KeyStore
	MailboxStore
	AccessOracle
	ChannelStore
}
