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

package session

import (
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/sha3"
)

const fingerprintSize = 32

// Fingerprint is the SHAKE128 digest of an identity public key, hex
// encoded. Two devices comparing fingerprints out of band verify each
// other's identity.
func Fingerprint(identityKey []byte) string {
	h := sha3.NewShake128()
	h.Write(identityKey)
	out := make([]byte, fingerprintSize)
	h.Read(out)
	return hex.EncodeToString(out)
}

// TrustStore pins the identity fingerprint first seen for each peer.
type TrustStore interface {
	Fingerprint(userID string) (string, bool)
	Pin(userID, fingerprint string)
	Forget(userID string)
}

type MemoryTrustStore struct {
	mu   sync.RWMutex
	pins map[string]string
}

func NewMemoryTrustStore() *MemoryTrustStore {
	return &MemoryTrustStore{pins: make(map[string]string)}
}

func (s *MemoryTrustStore) Fingerprint(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.pins[userID]
	return fp, ok
}

func (s *MemoryTrustStore) Pin(userID, fingerprint string) {
	s.mu.Lock()
	s.pins[userID] = fingerprint
	s.mu.Unlock()
}

func (s *MemoryTrustStore) Forget(userID string) {
	s.mu.Lock()
	delete(s.pins, userID)
	s.mu.Unlock()
}

// IdentityCheck is the outcome of comparing a bundle's identity key with
// the pinned one.
type IdentityCheck int

const (
	IdentityNew IdentityCheck = iota
	IdentityMatch
	IdentityChanged
)

func (c IdentityCheck) String() string {
	switch c {
	case IdentityNew:
		return "new"
	case IdentityMatch:
		return "match"
	case IdentityChanged:
		return "changed"
	}
	return "unknown"
}

// VerifyIdentity compares identityKey with the fingerprint pinned for
// userID and pins it when nothing was pinned yet. A changed key is
// reported but not pinned.
func VerifyIdentity(store TrustStore, userID string, identityKey []byte) (IdentityCheck, string) {
	fp := Fingerprint(identityKey)
	pinned, ok := store.Fingerprint(userID)
	switch {
	case !ok:
		store.Pin(userID, fp)
		return IdentityNew, fp
	case pinned == fp:
		return IdentityMatch, fp
	default:
		return IdentityChanged, fp
	}
}
