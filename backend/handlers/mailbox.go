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

package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/service"
)

type MailboxHandler struct {
	mailbox *service.MailboxService
}

func NewMailboxHandler(mailbox *service.MailboxService) *MailboxHandler {
	return &MailboxHandler{mailbox: mailbox}
}

// BatchRequest is the body of a batch distribution.
type BatchRequest struct {
	Distributions []models.Distribution `json:"distributions"`
}

// BatchResponse lists the queued mailbox entries.
type BatchResponse struct {
	Queued  int                            `json:"queued"`
	Entries []models.SenderKeyDistribution `json:"entries"`
}

// DistributeSenderKey queues one distribution message for one recipient.
// POST /api/e2e/channels/{channelId}/sender-keys
func (h *MailboxHandler) DistributeSenderKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	channelID := mux.Vars(r)["channelId"]

	var req models.Distribution
	if !decodeJSON(w, r, &req) {
		return
	}

	entry, err := h.mailbox.DistributeSenderKey(r.Context(), userID, channelID, req.ToUserID, req.DistributionMessage)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// DistributeSenderKeysBatch queues one message per recipient. Either the
// whole batch is queued or none of it.
// POST /api/e2e/channels/{channelId}/sender-keys/batch
func (h *MailboxHandler) DistributeSenderKeysBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	channelID := mux.Vars(r)["channelId"]

	var req BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entries, err := h.mailbox.DistributeSenderKeysBatch(r.Context(), userID, channelID, req.Distributions)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BatchResponse{Queued: len(entries), Entries: entries})
}

// GetPendingSenderKeys returns and deletes the caller's pending entries,
// optionally for one channel.
// GET /api/e2e/sender-keys?channel_id=
func (h *MailboxHandler) GetPendingSenderKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	entries, err := h.mailbox.GetPendingSenderKeys(r.Context(), userID, r.URL.Query().Get("channel_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.SenderKeyDistribution{}
	}
	writeJSON(w, http.StatusOK, entries)
}
