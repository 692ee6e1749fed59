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

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/storage"
)

const (
	// Redis channel prefix: e2e:notify:{userId}
	notifyPrefix = "e2e:notify:"
)

// Notifier fans push events out through Redis pub/sub so that every API
// instance holding a websocket for the recipient can forward them.
type Notifier struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewNotifier(rdb *redis.Client, log zerolog.Logger) *Notifier {
	return &Notifier{
		rdb: rdb,
		log: log.With().Str("component", "notifier").Logger(),
	}
}

// Notify publishes event to userID. Nobody listening is not an error: the
// event is only a hint and the payload stays in the mailbox.
func (n *Notifier) Notify(ctx context.Context, userID string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	receivers, err := n.rdb.Publish(ctx, notifyPrefix+userID, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	n.log.Debug().
		Str("user_id", userID).
		Str("type", event.Type).
		Int64("receivers", receivers).
		Msg("event published")
	return nil
}

// Subscription streams events addressed to one user.
type Subscription struct {
	pubsub *redis.PubSub
	events chan models.Event
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts listening for userID's events. The subscription is
// confirmed before Subscribe returns, so events published afterwards are
// not lost.
func (n *Notifier) Subscribe(ctx context.Context, userID string) (storage.Subscription, error) {
	pubsub := n.rdb.Subscribe(ctx, notifyPrefix+userID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan models.Event, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				n.log.Warn().Err(err).Str("user_id", userID).Msg("dropping malformed event")
				continue
			}
			select {
			case sub.events <- event:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (s *Subscription) Events() <-chan models.Event {
	return s.events
}

func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
