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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// bundlesServed counts pre-key bundles handed out, split by whether a
	// one-time key was still available.
	bundlesServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_prekey_bundles_total",
			Help: "Pre-key bundles served, by one-time key availability.",
		},
		[]string{"otp"},
	)

	oneTimeKeysUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "e2e_one_time_prekeys_uploaded_total",
			Help: "One-time pre-keys uploaded by clients.",
		},
	)

	signedKeyRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "e2e_signed_prekey_rotations_total",
			Help: "Signed pre-key rotations.",
		},
	)

	identityResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "e2e_identity_resets_total",
			Help: "Registrations that replaced an existing identity key.",
		},
	)

	senderKeysDistributed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "e2e_sender_key_distributions_total",
			Help: "Sender-key distribution messages queued in the mailbox.",
		},
	)

	senderKeysClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "e2e_sender_key_claims_total",
			Help: "Sender-key distribution messages delivered and purged.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		bundlesServed,
		oneTimeKeysUploaded,
		signedKeyRotations,
		identityResets,
		senderKeysDistributed,
		senderKeysClaimed,
	)
}
