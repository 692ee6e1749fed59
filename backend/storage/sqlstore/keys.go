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

package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/efchatnet/keyex/backend/models"
)

func (s *Store) SaveKeys(ctx context.Context, userID string, registration models.KeyRegistration) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		var existing []byte
		err := tx.GetContext(ctx, &existing, tx.Rebind(`
			SELECT public_key FROM identity_keys WHERE user_id = ?`), userID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			changed = !bytes.Equal(existing, registration.IdentityPublicKey)
		}

		// Identity key is replaced in place
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO identity_keys (user_id, public_key, registration_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE
			SET public_key = excluded.public_key,
			    registration_id = excluded.registration_id,
			    created_at = excluded.created_at`),
			userID, registration.IdentityPublicKey, registration.RegistrationID, now)
		if err != nil {
			return err
		}

		if err := insertSignedPreKey(ctx, tx, userID, registration.SignedPreKey, now); err != nil {
			return err
		}
		return insertOneTimePreKeys(ctx, tx, userID, registration.OneTimePreKeys, now)
	})
	return changed, err
}

func (s *Store) HasIdentity(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, s.db.Rebind(`
		SELECT EXISTS(SELECT 1 FROM identity_keys WHERE user_id = ?)`), userID)
	return exists, err
}

func (s *Store) AddOneTimePreKeys(ctx context.Context, userID string, prekeys []models.OneTimePreKey) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertOneTimePreKeys(ctx, tx, userID, prekeys, time.Now().UTC())
	})
}

func (s *Store) AddSignedPreKey(ctx context.Context, userID string, prekey models.SignedPreKey) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertSignedPreKey(ctx, tx, userID, prekey, time.Now().UTC())
	})
}

func (s *Store) GetPreKeyCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`
		SELECT COUNT(*) FROM one_time_pre_keys WHERE user_id = ?`), userID)
	return count, err
}

func (s *Store) LatestSignedPreKeyAt(ctx context.Context, userID string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.GetContext(ctx, &at, s.db.Rebind(`
		SELECT created_at FROM signed_pre_keys WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *Store) ClaimPreKeyBundle(ctx context.Context, userID string) (*models.PreKeyBundle, error) {
	var bundle *models.PreKeyBundle
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var identity models.IdentityKey
		err := tx.GetContext(ctx, &identity, tx.Rebind(`
			SELECT user_id, public_key, registration_id, created_at
			FROM identity_keys WHERE user_id = ?`), userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		// Current signed prekey is the newest row, whatever its key id
		var signed models.SignedPreKey
		err = tx.GetContext(ctx, &signed, tx.Rebind(`
			SELECT user_id, key_id, public_key, signature, created_at
			FROM signed_pre_keys WHERE user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`), userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		bundle = &models.PreKeyBundle{
			UserID:            userID,
			RegistrationID:    identity.RegistrationID,
			IdentityPublicKey: identity.PublicKey,
			SignedPreKey:      signed,
		}

		var prekey models.OneTimePreKey
		err = tx.GetContext(ctx, &prekey, tx.Rebind(`
			DELETE FROM one_time_pre_keys
			WHERE user_id = ? AND key_id = (
				SELECT key_id FROM one_time_pre_keys
				WHERE user_id = ?
				ORDER BY key_id LIMIT 1`+s.dialect.skipLocked+`
			)
			RETURNING user_id, key_id, public_key`), userID, userID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Pool exhausted; the bundle goes out without a one-time key
		case err != nil:
			return err
		default:
			bundle.OneTimePreKey = &prekey
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func insertSignedPreKey(ctx context.Context, tx *sqlx.Tx, userID string, prekey models.SignedPreKey, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO signed_pre_keys (user_id, key_id, public_key, signature, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		userID, prekey.KeyID, prekey.PublicKey, prekey.Signature, now)
	return err
}

func insertOneTimePreKeys(ctx context.Context, tx *sqlx.Tx, userID string, prekeys []models.OneTimePreKey, now time.Time) error {
	for _, prekey := range prekeys {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO one_time_pre_keys (user_id, key_id, public_key, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, key_id) DO NOTHING`),
			userID, prekey.KeyID, prekey.PublicKey, now)
		if err != nil {
			return err
		}
	}
	return nil
}
