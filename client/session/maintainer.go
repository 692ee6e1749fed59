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
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
)

// Maintainer keeps this device's published pre-keys healthy: it tops up
// one-time pre-keys below the low-water mark and rotates the signed
// pre-key on a schedule. Failures are logged and retried on the next tick.
type Maintainer struct {
	keys         KeyAPI
	gen          PreKeyGenerator
	cfg          Config
	log          zerolog.Logger
	lastRotation time.Time
	now          func() time.Time
}

func NewMaintainer(keys KeyAPI, gen PreKeyGenerator, cfg Config, log zerolog.Logger) *Maintainer {
	return &Maintainer{
		keys: keys,
		gen:  gen,
		cfg:  cfg.withDefaults(),
		log:  log.With().Str("component", "prekeys").Logger(),
		now:  time.Now,
	}
}

// Replenish uploads enough one-time pre-keys to reach TargetPreKeys when
// the server holds fewer than LowWaterMark. It returns how many were added.
func (m *Maintainer) Replenish(ctx context.Context) (int, error) {
	status, err := m.keys.GetKeyStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("get key status: %w", err)
	}
	return m.replenish(ctx, status.RemainingKeys)
}

func (m *Maintainer) replenish(ctx context.Context, count int) (int, error) {
	if count >= m.cfg.LowWaterMark {
		return 0, nil
	}

	prekeys, err := m.gen.GenerateOneTimePreKeys(ctx, m.cfg.TargetPreKeys-count)
	if err != nil {
		return 0, fmt.Errorf("generate one-time prekeys: %w", err)
	}
	added, err := m.keys.UploadOneTimePreKeys(ctx, prekeys)
	if err != nil {
		return 0, fmt.Errorf("upload one-time prekeys: %w", err)
	}
	m.log.Info().Int("remaining", count).Int("added", added).Msg("Replenished one-time prekeys")
	return added, nil
}

// Rotate publishes a new signed pre-key. Older ones stay on the server.
func (m *Maintainer) Rotate(ctx context.Context) error {
	spk, err := m.gen.GenerateSignedPreKey(ctx)
	if err != nil {
		return fmt.Errorf("generate signed prekey: %w", err)
	}
	if err := m.keys.RotateSignedPreKey(ctx, spk); err != nil {
		return fmt.Errorf("rotate signed prekey: %w", err)
	}
	m.lastRotation = m.now()
	m.log.Info().Int("key_id", spk.KeyID).Msg("Rotated signed prekey")
	return nil
}

// Tick runs one maintenance round. The rotation clock follows the
// server's creation time of the current signed pre-key, so it survives
// restarts; without one it starts at the first tick.
func (m *Maintainer) Tick(ctx context.Context) {
	status, err := m.keys.GetKeyStatus(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Key status check failed")
		return
	}

	if _, err := m.replenish(ctx, status.RemainingKeys); err != nil {
		m.log.Warn().Err(err).Msg("Prekey replenishment failed")
	}

	if m.rotationDue(status) {
		if err := m.Rotate(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Signed prekey rotation failed")
		}
	}
}

func (m *Maintainer) rotationDue(status *models.KeyStatus) bool {
	last := m.lastRotation
	if at := status.SignedPreKeyCreatedAt; at != nil && at.After(last) {
		last = *at
	}
	if last.IsZero() {
		m.lastRotation = m.now()
		return false
	}
	return m.now().Sub(last) >= m.cfg.RotationInterval
}

// Run ticks every CheckInterval until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}
