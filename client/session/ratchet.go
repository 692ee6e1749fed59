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

// Package session decides when this device bootstraps pairwise sessions,
// when it hands its sender keys to channel members, and how it reacts to
// identity resets and presence changes. The cipher itself is supplied by
// the caller through the Ratchet interface.
package session

import (
	"context"

	"github.com/efchatnet/keyex/backend/models"
)

// PairwiseCipher is the double-ratchet side of the cipher capability.
// Decrypt advances the chain and cannot be repeated for a ciphertext.
type PairwiseCipher interface {
	HasSession(peerID string) bool
	EstablishSession(ctx context.Context, peerID string, bundle *models.PreKeyBundle) error
	Encrypt(ctx context.Context, peerID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, peerID string, ciphertext []byte) ([]byte, error)
}

// GroupCipher is the sender-key side of the cipher capability. Each
// (channel, sender) pair is an independent chain.
type GroupCipher interface {
	// CreateSenderKeyDistribution returns this device's current sender key
	// for the channel, creating one if needed.
	CreateSenderKeyDistribution(ctx context.Context, channelID string) ([]byte, error)
	ProcessSenderKeyDistribution(ctx context.Context, channelID, senderID string, distribution []byte) error
	GroupEncrypt(ctx context.Context, channelID string, plaintext []byte) ([]byte, error)
	GroupDecrypt(ctx context.Context, channelID, senderID string, ciphertext []byte) ([]byte, error)
}

// Ratchet is the full cipher capability.
type Ratchet interface {
	PairwiseCipher
	GroupCipher

	// ResetPeer drops the pairwise session and every sender-key chain
	// received from peerID.
	ResetPeer(peerID string)
}

// PreKeyGenerator mints fresh public pre-keys. The private halves stay
// inside the implementation.
type PreKeyGenerator interface {
	GenerateOneTimePreKeys(ctx context.Context, n int) ([]models.OneTimePreKey, error)
	GenerateSignedPreKey(ctx context.Context) (models.SignedPreKey, error)
}

// KeyAPI is the Key Material Store as seen from a client. *rpc.Client
// implements it.
type KeyAPI interface {
	GetPreKeyBundle(ctx context.Context, userID string) (*models.PreKeyBundle, error)
	GetKeyStatus(ctx context.Context) (*models.KeyStatus, error)
	UploadOneTimePreKeys(ctx context.Context, prekeys []models.OneTimePreKey) (int, error)
	RotateSignedPreKey(ctx context.Context, prekey models.SignedPreKey) error
}

// MailboxAPI is the Sender-Key Mailbox as seen from a client.
type MailboxAPI interface {
	DistributeSenderKey(ctx context.Context, channelID, toUserID string, message []byte) error
	DistributeSenderKeysBatch(ctx context.Context, channelID string, distributions []models.Distribution) (int, error)
	GetPendingSenderKeys(ctx context.Context, channelID string) ([]models.SenderKeyDistribution, error)
}

// Roster lists the channels this device takes part in. It belongs to the
// host application.
type Roster interface {
	EncryptedChannels(ctx context.Context) ([]string, error)
	Members(ctx context.Context, channelID string) ([]string, error)
}
