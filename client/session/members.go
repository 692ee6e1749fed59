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

import "sync"

// DistributedMembersCache remembers, per channel, which peers already hold
// this device's current sender key. It lives as long as one session of the
// client and is never persisted.
type DistributedMembersCache struct {
	mu       sync.Mutex
	channels map[string]map[string]struct{}
}

func NewDistributedMembersCache() *DistributedMembersCache {
	return &DistributedMembersCache{channels: make(map[string]map[string]struct{})}
}

func (c *DistributedMembersCache) Has(channelID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID][userID]
	return ok
}

func (c *DistributedMembersCache) Mark(channelID string, userIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.channels[channelID]
	if !ok {
		members = make(map[string]struct{})
		c.channels[channelID] = members
	}
	for _, u := range userIDs {
		members[u] = struct{}{}
	}
}

// Forget removes userID from every channel.
func (c *DistributedMembersCache) Forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, members := range c.channels {
		delete(members, userID)
	}
}

func (c *DistributedMembersCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]map[string]struct{})
}
