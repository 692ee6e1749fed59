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
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/storage"
)

// KeyService is the Key Material Store: registration, replenishment,
// rotation and bundle issue.
type KeyService struct {
	store       storage.KeyStore
	oracle      storage.AccessOracle
	broadcaster *Broadcaster
	log         zerolog.Logger
}

func NewKeyService(store storage.KeyStore, oracle storage.AccessOracle, broadcaster *Broadcaster, log zerolog.Logger) *KeyService {
	return &KeyService{
		store:       store,
		oracle:      oracle,
		broadcaster: broadcaster,
		log:         log.With().Str("component", "keys").Logger(),
	}
}

// RegisterKeys replaces the identity key and adds the supplied pre-keys to
// whatever is already stored. Nothing registered earlier is removed. When
// the identity key changed, every peer is told to drop its session.
func (s *KeyService) RegisterKeys(ctx context.Context, userID string, reg models.KeyRegistration) (*models.RegistrationResult, error) {
	if len(reg.IdentityPublicKey) == 0 {
		return nil, fmt.Errorf("%w: identity key is required", ErrInvalidRequest)
	}
	if err := validateSignedPreKey(reg.SignedPreKey); err != nil {
		return nil, err
	}
	if err := validateOneTimePreKeys(reg.OneTimePreKeys); err != nil {
		return nil, err
	}

	changed, err := s.store.SaveKeys(ctx, userID, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to save keys: %w", err)
	}
	oneTimeKeysUploaded.Add(float64(len(reg.OneTimePreKeys)))

	s.log.Info().
		Str("user_id", userID).
		Int("registration_id", reg.RegistrationID).
		Int("signed_pre_key_id", reg.SignedPreKey.KeyID).
		Int("one_time_pre_keys", len(reg.OneTimePreKeys)).
		Bool("identity_changed", changed).
		Msg("keys registered")

	if changed {
		identityResets.Inc()
		s.announceIdentityReset(ctx, userID)
	}

	return &models.RegistrationResult{
		IdentityChanged: changed,
		OneTimePreKeys:  len(reg.OneTimePreKeys),
	}, nil
}

func (s *KeyService) announceIdentityReset(ctx context.Context, userID string) {
	sent, err := s.broadcaster.Broadcast(ctx, userID, models.Event{
		Type:   models.EventIdentityReset,
		UserID: userID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("failed to broadcast identity reset")
		return
	}
	s.log.Info().Str("user_id", userID).Int("peers", sent).Msg("identity reset broadcast")
}

func (s *KeyService) UploadOneTimePreKeys(ctx context.Context, userID string, prekeys []models.OneTimePreKey) (int, error) {
	if len(prekeys) == 0 {
		return 0, fmt.Errorf("%w: no one-time pre-keys supplied", ErrInvalidRequest)
	}
	if err := validateOneTimePreKeys(prekeys); err != nil {
		return 0, err
	}
	if err := s.requireIdentity(ctx, userID); err != nil {
		return 0, err
	}
	if err := s.store.AddOneTimePreKeys(ctx, userID, prekeys); err != nil {
		return 0, fmt.Errorf("failed to add prekeys: %w", err)
	}
	oneTimeKeysUploaded.Add(float64(len(prekeys)))
	return len(prekeys), nil
}

// RotateSignedPreKey appends a new signed pre-key. Older ones stay
// fetchable history; bundles always carry the newest.
func (s *KeyService) RotateSignedPreKey(ctx context.Context, userID string, prekey models.SignedPreKey) error {
	if err := validateSignedPreKey(prekey); err != nil {
		return err
	}
	if err := s.requireIdentity(ctx, userID); err != nil {
		return err
	}
	if err := s.store.AddSignedPreKey(ctx, userID, prekey); err != nil {
		return fmt.Errorf("failed to rotate signed prekey: %w", err)
	}
	signedKeyRotations.Inc()
	s.log.Info().Str("user_id", userID).Int("key_id", prekey.KeyID).Msg("signed prekey rotated")
	return nil
}

func (s *KeyService) GetPreKeyCount(ctx context.Context, userID string) (int, error) {
	return s.store.GetPreKeyCount(ctx, userID)
}

// GetKeyStatus reports the remaining one-time pre-keys and the age of the
// current signed pre-key, which clients use to schedule rotation.
func (s *KeyService) GetKeyStatus(ctx context.Context, userID string) (*models.KeyStatus, error) {
	count, err := s.store.GetPreKeyCount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count prekeys: %w", err)
	}
	status := &models.KeyStatus{RemainingKeys: count}

	at, ok, err := s.store.LatestSignedPreKeyAt(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up signed prekey: %w", err)
	}
	if ok {
		status.SignedPreKeyCreatedAt = &at
	}
	return status, nil
}

// GetPreKeyBundle issues targetID's bundle to callerID, consuming one
// one-time pre-key. The result is nil, without error, when the target has
// no keys registered.
func (s *KeyService) GetPreKeyBundle(ctx context.Context, callerID, targetID string) (*models.PreKeyBundle, error) {
	ok, err := s.oracle.SharesAccess(ctx, callerID, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to check access: %w", err)
	}
	if !ok {
		return nil, ErrNoSharedAccess
	}

	bundle, err := s.store.ClaimPreKeyBundle(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim bundle: %w", err)
	}
	if bundle == nil {
		return nil, nil
	}

	if bundle.OneTimePreKey == nil {
		bundlesServed.WithLabelValues("exhausted").Inc()
		s.log.Warn().Str("user_id", targetID).Msg("one-time prekeys exhausted, serving bundle without one")
	} else {
		bundlesServed.WithLabelValues("present").Inc()
	}
	return bundle, nil
}

func (s *KeyService) requireIdentity(ctx context.Context, userID string) error {
	ok, err := s.store.HasIdentity(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up identity: %w", err)
	}
	if !ok {
		return ErrNotRegistered
	}
	return nil
}

func validateSignedPreKey(prekey models.SignedPreKey) error {
	if len(prekey.PublicKey) == 0 || len(prekey.Signature) == 0 {
		return fmt.Errorf("%w: signed pre-key needs a public key and a signature", ErrInvalidRequest)
	}
	return nil
}

func validateOneTimePreKeys(prekeys []models.OneTimePreKey) error {
	seen := make(map[int]bool, len(prekeys))
	for _, p := range prekeys {
		if len(p.PublicKey) == 0 {
			return fmt.Errorf("%w: one-time pre-key %d has no public key", ErrInvalidRequest, p.KeyID)
		}
		if seen[p.KeyID] {
			return fmt.Errorf("%w: duplicate one-time pre-key id %d", ErrInvalidRequest, p.KeyID)
		}
		seen[p.KeyID] = true
	}
	return nil
}
