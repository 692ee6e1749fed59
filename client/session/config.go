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
	"time"

	"golang.org/x/time/rate"
)

// Config holds the client-side tunables of the orchestrator and the key
// maintainer.
type Config struct {
	// LowWaterMark triggers replenishment when the server holds fewer
	// one-time pre-keys than this.
	LowWaterMark int
	// TargetPreKeys is the pool size replenishment tops up to.
	TargetPreKeys int
	// RotationInterval is how often the signed pre-key is rotated.
	RotationInterval time.Duration
	// CheckInterval is how often the pre-key count is polled.
	CheckInterval time.Duration
	// BatchSize caps one distributeSenderKeysBatch call and must not exceed
	// the server's MAX_BATCH_SIZE.
	BatchSize int
	// DistributionRate paces presence re-distribution, one token per
	// channel.
	DistributionRate  rate.Limit
	DistributionBurst int
	// OnIdentityChange, when set, is called after a peer's pinned identity
	// was replaced.
	OnIdentityChange func(userID, fingerprint string)
}

func DefaultConfig() Config {
	return Config{
		LowWaterMark:      10,
		TargetPreKeys:     100,
		RotationInterval:  7 * 24 * time.Hour,
		CheckInterval:     time.Hour,
		BatchSize:         500,
		DistributionRate:  rate.Limit(5),
		DistributionBurst: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LowWaterMark <= 0 {
		c.LowWaterMark = d.LowWaterMark
	}
	if c.TargetPreKeys <= 0 {
		c.TargetPreKeys = d.TargetPreKeys
	}
	if c.TargetPreKeys < c.LowWaterMark {
		c.TargetPreKeys = c.LowWaterMark
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = d.RotationInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.DistributionRate <= 0 {
		c.DistributionRate = d.DistributionRate
	}
	if c.DistributionBurst <= 0 {
		c.DistributionBurst = d.DistributionBurst
	}
	return c
}
