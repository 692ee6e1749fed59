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

// Package decrypt turns fetched ciphertexts into displayable plaintext.
// Direct messages go through a strictly sequential pipeline; channel
// messages are decrypted concurrently per sender chain once the channel's
// pending sender keys have been applied. Failures never escape: each one
// becomes a placeholder.
package decrypt

import (
	"context"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/keyex/client/plaintext"
)

const (
	// PlaceholderEncrypted stands in for an own message whose send-time
	// plaintext is gone.
	PlaceholderEncrypted = "[encrypted message]"
	// PlaceholderFailed stands in for a message that failed to decrypt.
	PlaceholderFailed = "[unable to decrypt message]"
)

type Status int

const (
	StatusDecrypted Status = iota
	StatusCached
	StatusOwn
	StatusUnavailable
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDecrypted:
		return "decrypted"
	case StatusCached:
		return "cached"
	case StatusOwn:
		return "own"
	case StatusUnavailable:
		return "unavailable"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Message is one fetched ciphertext. ChannelID is empty for direct
// messages.
type Message struct {
	ID         string
	ChannelID  string
	SenderID   string
	Ciphertext []byte
}

type Result struct {
	ID     string
	Entry  plaintext.Entry
	Status Status
}

// Store is the durable plaintext cache. *plaintext.Cache implements it.
type Store interface {
	Get(messageID string) (plaintext.Entry, bool, error)
	Put(messageID string, e plaintext.Entry) error
}

// Sessions is the session side of the pipeline. *session.Orchestrator
// implements it.
type Sessions interface {
	DecryptFromPeer(ctx context.Context, peerID string, ciphertext []byte) ([]byte, error)
	DecryptFromChannel(ctx context.Context, channelID, senderID string, ciphertext []byte) ([]byte, error)
	PullSenderKeys(ctx context.Context, channelID string) (int, error)
}

type Pipeline struct {
	self     string
	sessions Sessions
	cache    Store
	own      *OwnSent
	limit    int
	log      zerolog.Logger
}

type Option func(*Pipeline)

// WithConcurrency bounds how many sender chains are decrypted at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.limit = n
		}
	}
}

func NewPipeline(self string, sessions Sessions, cache Store, own *OwnSent, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		self:     self,
		sessions: sessions,
		cache:    cache,
		own:      own,
		limit:    8,
		log:      log.With().Str("component", "decrypt").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.own == nil {
		p.own = NewOwnSent(0)
	}
	return p
}

// OwnSent returns the cache outgoing messages should be remembered in.
func (p *Pipeline) OwnSent() *OwnSent {
	return p.own
}

// DecryptDirect decrypts direct messages one at a time in the order given.
func (p *Pipeline) DecryptDirect(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, len(msgs))
	for i, m := range msgs {
		if r, ok := p.local(m); ok {
			results[i] = r
			continue
		}
		results[i] = p.decryptOne(m, func() ([]byte, error) {
			return p.sessions.DecryptFromPeer(ctx, m.SenderID, m.Ciphertext)
		})
	}
	return results
}

type chain struct {
	channelID string
	senderID  string
}

// DecryptChannel first pulls and applies pending sender keys for every
// channel in the batch that still needs decrypting, then decrypts distinct
// sender chains concurrently. Messages of one chain keep their order.
func (p *Pipeline) DecryptChannel(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, len(msgs))
	chains := make(map[chain][]int)
	var order []chain
	var channels []string

	for i, m := range msgs {
		if r, ok := p.local(m); ok {
			results[i] = r
			continue
		}
		k := chain{m.ChannelID, m.SenderID}
		if _, seen := chains[k]; !seen {
			order = append(order, k)
		}
		chains[k] = append(chains[k], i)
		if !slices.Contains(channels, m.ChannelID) {
			channels = append(channels, m.ChannelID)
		}
	}

	for _, channelID := range channels {
		if _, err := p.sessions.PullSenderKeys(ctx, channelID); err != nil {
			p.log.Warn().Err(err).Str("channel_id", channelID).Msg("Sender key pull before decrypt failed")
		}
	}

	var g errgroup.Group
	g.SetLimit(p.limit)
	for _, k := range order {
		idx := chains[k]
		g.Go(func() error {
			for _, i := range idx {
				m := msgs[i]
				results[i] = p.decryptOne(m, func() ([]byte, error) {
					return p.sessions.DecryptFromChannel(ctx, m.ChannelID, m.SenderID, m.Ciphertext)
				})
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// local answers from the durable cache or, for own messages, from the
// own-sent cache. Own messages are never decrypted.
func (p *Pipeline) local(m Message) (Result, bool) {
	e, ok, err := p.cache.Get(m.ID)
	if err != nil {
		p.log.Warn().Err(err).Str("message_id", m.ID).Msg("Plaintext cache read failed")
	}
	if ok {
		return Result{ID: m.ID, Entry: e, Status: StatusCached}, true
	}

	if m.SenderID != p.self {
		return Result{}, false
	}
	e, ok, err = p.own.Promote(m.Ciphertext, m.ID, p.cache)
	if err != nil {
		p.log.Error().Err(err).Str("message_id", m.ID).Msg("Failed to persist own plaintext")
	}
	if !ok {
		return Result{ID: m.ID, Entry: plaintext.Entry{Content: PlaceholderEncrypted}, Status: StatusUnavailable}, true
	}
	return Result{ID: m.ID, Entry: e, Status: StatusOwn}, true
}

func (p *Pipeline) decryptOne(m Message, decrypt func() ([]byte, error)) Result {
	raw, err := decrypt()
	if err != nil {
		p.log.Warn().Err(err).
			Str("message_id", m.ID).
			Str("channel_id", m.ChannelID).
			Str("sender", m.SenderID).
			Msg("Decrypt failed")
		return Result{ID: m.ID, Entry: plaintext.Entry{Content: PlaceholderFailed}, Status: StatusFailed}
	}

	e := plaintext.Decode(raw)
	if err := p.cache.Put(m.ID, e); err != nil {
		p.log.Error().Err(err).Str("message_id", m.ID).Msg("Failed to persist plaintext")
	}
	return Result{ID: m.ID, Entry: e, Status: StatusDecrypted}
}
