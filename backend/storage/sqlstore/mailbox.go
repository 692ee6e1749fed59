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
	"context"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/efchatnet/keyex/backend/models"
)

type mailboxRow struct {
	Seq int64 `db:"seq"`
	models.SenderKeyDistribution
}

func (s *Store) AppendSenderKeys(ctx context.Context, entries []models.SenderKeyDistribution) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO sender_key_distributions
				(id, channel_id, from_user_id, to_user_id, distribution_message, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`),
				e.ID, e.ChannelID, e.FromUserID, e.ToUserID, e.DistributionMessage, e.CreatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimSenderKeys is a single DELETE ... RETURNING statement, so two
// concurrent claims for the same recipient never return the same row.
func (s *Store) ClaimSenderKeys(ctx context.Context, userID, channelID string) ([]models.SenderKeyDistribution, error) {
	query := `
		DELETE FROM sender_key_distributions
		WHERE to_user_id = ?`
	args := []interface{}{userID}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += `
		RETURNING seq, id, channel_id, from_user_id, to_user_id, distribution_message, created_at`

	var rows []mailboxRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified; hand entries out in arrival order
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	entries := make([]models.SenderKeyDistribution, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.SenderKeyDistribution)
	}
	return entries, nil
}
