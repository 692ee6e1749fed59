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
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/storage"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// PresenceAnnouncer tells a user's peers that the user came online.
type PresenceAnnouncer interface {
	AnnouncePresence(ctx context.Context, userID string) error
}

// EventsHandler upgrades to a websocket and forwards the caller's push
// events as JSON text frames. Clients only read from it.
type EventsHandler struct {
	subscriber     storage.Subscriber
	presence       PresenceAnnouncer
	originPatterns []string
	log            zerolog.Logger
}

func NewEventsHandler(subscriber storage.Subscriber, presence PresenceAnnouncer, allowedOrigins []string, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		subscriber:     subscriber,
		presence:       presence,
		originPatterns: originPatterns(allowedOrigins),
		log:            log.With().Str("component", "events").Logger(),
	}
}

// ServeHTTP handles GET /api/e2e/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	// Subscribed before the upgrade so events sent right after connect
	// are not lost.
	sub, err := h.subscriber.Subscribe(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to subscribe")
		writeError(w, http.StatusServiceUnavailable, "push unavailable")
		return
	}
	defer sub.Close()

	// Long-lived: lift the server's request deadlines
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	log := h.log.With().Str("user_id", userID).Logger()
	log.Debug().Msg("push connected")

	if err := h.presence.AnnouncePresence(ctx, userID); err != nil {
		log.Warn().Err(err).Msg("failed to announce presence")
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("push disconnected")
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("ping failed")
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "subscription closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, event)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("type", event.Type).Msg("failed to forward event")
				return
			}
		}
	}
}

// originPatterns turns allowed origins such as https://app.efchat.net into
// the host patterns the websocket library matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
