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

// Package push keeps a websocket open to the key exchange server and hands
// each push event to the caller, reconnecting when the connection drops.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/client/rpc"
)

const (
	eventsPath = "/api/e2e/events"

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Listener reads events from the push websocket.
type Listener struct {
	url        string
	token      rpc.TokenSource
	minBackoff time.Duration
	maxBackoff time.Duration
	onConnect  func(ctx context.Context)
	log        zerolog.Logger
}

// Option configures a Listener.
type Option func(*Listener)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(l *Listener) {
		l.minBackoff = min
		l.maxBackoff = max
	}
}

// WithOnConnect registers a callback run after every successful dial.
// Hints sent while disconnected are lost, so callers use it to pull
// pending mailbox entries.
func WithOnConnect(fn func(ctx context.Context)) Option {
	return func(l *Listener) { l.onConnect = fn }
}

func NewListener(baseURL string, token rpc.TokenSource, log zerolog.Logger, opts ...Option) *Listener {
	l := &Listener{
		url:        wsURL(baseURL) + eventsPath,
		token:      token,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		log:        log.With().Str("component", "push").Logger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run delivers events to handle until ctx is cancelled. handle runs on the
// reading goroutine, one event at a time.
func (l *Listener) Run(ctx context.Context, handle func(ctx context.Context, event models.Event)) error {
	backoff := l.minBackoff
	for {
		connected, err := l.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = l.minBackoff
		}
		l.log.Warn().Err(err).Dur("retry_in", backoff).Msg("push connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// session runs one connection until it fails. It reports whether the dial
// succeeded.
func (l *Listener) session(ctx context.Context, handle func(ctx context.Context, event models.Event)) (bool, error) {
	header := http.Header{}
	if l.token != nil {
		token, err := l.token(ctx)
		if err != nil {
			return false, fmt.Errorf("push: token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("push: dial: %w", err)
	}
	defer conn.CloseNow()
	l.log.Debug().Msg("push connected")

	if l.onConnect != nil {
		l.onConnect(ctx)
	}

	for {
		var event models.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			return true, fmt.Errorf("push: read: %w", err)
		}
		handle(ctx, event)
	}
}

// wsURL maps an http(s) base URL onto ws(s).
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
