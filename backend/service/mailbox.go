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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/storage"
)

const DefaultMaxBatchSize = 500

// MailboxService is the Sender-Key Mailbox: a per-(channel, recipient)
// store-and-forward queue drained by fetch-and-purge.
type MailboxService struct {
	store        storage.MailboxStore
	oracle       storage.AccessOracle
	notifier     storage.Notifier
	maxBatchSize int
	log          zerolog.Logger
}

func NewMailboxService(store storage.MailboxStore, oracle storage.AccessOracle, notifier storage.Notifier, maxBatchSize int, log zerolog.Logger) *MailboxService {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &MailboxService{
		store:        store,
		oracle:       oracle,
		notifier:     notifier,
		maxBatchSize: maxBatchSize,
		log:          log.With().Str("component", "mailbox").Logger(),
	}
}

func (s *MailboxService) DistributeSenderKey(ctx context.Context, callerID, channelID, toUserID string, message []byte) (*models.SenderKeyDistribution, error) {
	entries, err := s.DistributeSenderKeysBatch(ctx, callerID, channelID, []models.Distribution{{
		ToUserID:            toUserID,
		DistributionMessage: message,
	}})
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

// DistributeSenderKeysBatch queues one row per distribution. Either every
// row is queued or none is. Sending the same message twice queues it twice.
func (s *MailboxService) DistributeSenderKeysBatch(ctx context.Context, callerID, channelID string, distributions []models.Distribution) ([]models.SenderKeyDistribution, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidRequest)
	}
	if len(distributions) == 0 {
		return nil, fmt.Errorf("%w: no distributions supplied", ErrInvalidRequest)
	}
	if len(distributions) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit of %d", ErrInvalidRequest, len(distributions), s.maxBatchSize)
	}

	if err := authorizeChannel(ctx, s.oracle, callerID, channelID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entries := make([]models.SenderKeyDistribution, 0, len(distributions))
	checked := make(map[string]bool)
	for _, d := range distributions {
		if d.ToUserID == "" || len(d.DistributionMessage) == 0 {
			return nil, fmt.Errorf("%w: distribution needs a recipient and a message", ErrInvalidRequest)
		}
		if !checked[d.ToUserID] {
			if err := authorizeChannel(ctx, s.oracle, d.ToUserID, channelID); err != nil {
				return nil, fmt.Errorf("recipient %s: %w", d.ToUserID, err)
			}
			checked[d.ToUserID] = true
		}
		entries = append(entries, models.SenderKeyDistribution{
			ID:                  uuid.NewString(),
			ChannelID:           channelID,
			FromUserID:          callerID,
			ToUserID:            d.ToUserID,
			DistributionMessage: d.DistributionMessage,
			CreatedAt:           now,
		})
	}

	if err := s.store.AppendSenderKeys(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to queue sender keys: %w", err)
	}
	senderKeysDistributed.Add(float64(len(entries)))

	// One wake-up per recipient is enough; the pull drains everything
	for recipient := range checked {
		event := models.Event{
			Type:       models.EventSenderKeyDistribution,
			ChannelID:  channelID,
			FromUserID: callerID,
		}
		if err := s.notifier.Notify(ctx, recipient, event); err != nil {
			s.log.Warn().Err(err).
				Str("channel_id", channelID).
				Str("to_user_id", recipient).
				Msg("failed to send distribution hint")
		}
	}

	s.log.Debug().
		Str("channel_id", channelID).
		Str("from_user_id", callerID).
		Int("entries", len(entries)).
		Msg("sender keys queued")
	return entries, nil
}

// GetPendingSenderKeys drains the caller's mailbox, optionally for a single
// channel. Entries for channels the caller can no longer access are purged
// without being returned.
func (s *MailboxService) GetPendingSenderKeys(ctx context.Context, callerID, channelID string) ([]models.SenderKeyDistribution, error) {
	if channelID != "" {
		if err := authorizeChannel(ctx, s.oracle, callerID, channelID); err != nil {
			return nil, err
		}
	}

	claimed, err := s.store.ClaimSenderKeys(ctx, callerID, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim sender keys: %w", err)
	}

	allowed := make(map[string]bool)
	entries := make([]models.SenderKeyDistribution, 0, len(claimed))
	for _, e := range claimed {
		ok, seen := allowed[e.ChannelID]
		if !seen {
			ok, err = s.oracle.CanAccessChannel(ctx, callerID, e.ChannelID)
			if err != nil {
				// The rows are already gone; refusing the whole pull would lose them
				s.log.Error().Err(err).Str("channel_id", e.ChannelID).Msg("access check failed, delivering entry")
				ok = true
			}
			allowed[e.ChannelID] = ok
		}
		if !ok {
			s.log.Info().
				Str("user_id", callerID).
				Str("channel_id", e.ChannelID).
				Msg("dropping sender key for inaccessible channel")
			continue
		}
		entries = append(entries, e)
	}
	senderKeysClaimed.Add(float64(len(entries)))
	return entries, nil
}

func authorizeChannel(ctx context.Context, oracle storage.AccessOracle, userID, channelID string) error {
	ok, err := oracle.CanAccessChannel(ctx, userID, channelID)
	if err != nil {
		return fmt.Errorf("failed to check channel access: %w", err)
	}
	if !ok {
		return ErrNoChannelAccess
	}
	return nil
}
