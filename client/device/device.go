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

// Package device assembles the client side of the key exchange for one
// logged-in device: RPC client, push listener, session orchestrator, key
// maintenance, decrypt pipeline and plaintext cache.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/client/decrypt"
	"github.com/efchatnet/keyex/client/plaintext"
	"github.com/efchatnet/keyex/client/push"
	"github.com/efchatnet/keyex/client/rpc"
	"github.com/efchatnet/keyex/client/session"
)

var (
	_ session.KeyAPI     = (*rpc.Client)(nil)
	_ session.MailboxAPI = (*rpc.Client)(nil)
	_ decrypt.Sessions   = (*session.Orchestrator)(nil)
	_ decrypt.Store      = (*plaintext.Cache)(nil)
)

// Crypto is the local key material: the ratchet, a pre-key generator and
// the initial registration payload.
type Crypto interface {
	session.Ratchet
	session.PreKeyGenerator
	Registration(ctx context.Context, oneTimePreKeys int) (models.KeyRegistration, error)
}

type Config struct {
	// BaseURL is the server root, e.g. https://efchat.net. The API prefix
	// is added by the rpc and push clients.
	BaseURL string
	UserID  string
	Token   rpc.TokenSource
	// CachePath is the plaintext cache directory. Empty keeps the cache
	// in memory.
	CachePath    string
	CacheVersion int
	OwnSentSize  int
	Concurrency  int
	Session      session.Config
	PushOptions  []push.Option
	// OnConnect runs after the mailbox pull that follows every push
	// connect.
	OnConnect func(ctx context.Context)
}

type Device struct {
	API      *rpc.Client
	Sessions *session.Orchestrator
	Pipeline *decrypt.Pipeline
	Cache    *plaintext.Cache

	crypto     Crypto
	listener   *push.Listener
	maintainer *session.Maintainer
	cfg        Config
	log        zerolog.Logger
}

func New(cfg Config, crypto Crypto, roster session.Roster, log zerolog.Logger) (*Device, error) {
	if cfg.BaseURL == "" || cfg.UserID == "" {
		return nil, errors.New("device: base URL and user id are required")
	}
	if crypto == nil || roster == nil {
		return nil, errors.New("device: crypto and roster are required")
	}
	log = log.With().Str("user_id", cfg.UserID).Logger()

	var (
		cache *plaintext.Cache
		err   error
	)
	if cfg.CachePath == "" {
		cache, err = plaintext.OpenMemory(cfg.CacheVersion)
	} else {
		cache, err = plaintext.Open(cfg.CachePath, cfg.CacheVersion)
	}
	if err != nil {
		return nil, err
	}

	api := rpc.NewClient(cfg.BaseURL, cfg.Token)
	orch := session.NewOrchestrator(cfg.UserID, session.Deps{
		Keys:    api,
		Mailbox: api,
		Ratchet: crypto,
		Roster:  roster,
	}, cfg.Session, log)

	onConnect := func(ctx context.Context) {
		orch.OnConnect(ctx)
		if cfg.OnConnect != nil {
			cfg.OnConnect(ctx)
		}
	}
	opts := append(cfg.PushOptions[:len(cfg.PushOptions):len(cfg.PushOptions)], push.WithOnConnect(onConnect))
	d := &Device{
		API:        api,
		Sessions:   orch,
		Pipeline:   decrypt.NewPipeline(cfg.UserID, orch, cache, decrypt.NewOwnSent(cfg.OwnSentSize), log, decrypt.WithConcurrency(cfg.Concurrency)),
		Cache:      cache,
		crypto:     crypto,
		listener:   push.NewListener(cfg.BaseURL, cfg.Token, log, opts...),
		maintainer: session.NewMaintainer(api, crypto, cfg.Session, log),
		cfg:        cfg,
		log:        log,
	}
	return d, nil
}

// Register publishes this device's identity, a signed pre-key and an
// initial pool of one-time pre-keys.
func (d *Device) Register(ctx context.Context) (*models.RegistrationResult, error) {
	n := d.cfg.Session.TargetPreKeys
	if n <= 0 {
		n = session.DefaultConfig().TargetPreKeys
	}
	reg, err := d.crypto.Registration(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("build registration: %w", err)
	}
	res, err := d.API.RegisterKeys(ctx, reg)
	if err != nil {
		return nil, err
	}
	// A new registration starts a new session: peers get the sender keys
	// again on the next send.
	d.Sessions.Reset()
	d.log.Info().Int("one_time_pre_keys", res.OneTimePreKeys).Bool("identity_changed", res.IdentityChanged).Msg("Keys registered")
	return res, nil
}

// Run keeps the push channel and key maintenance going until ctx is
// cancelled.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.maintainer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return d.listener.Run(ctx, d.Sessions.HandleEvent)
	})
	err := g.Wait()
	d.Sessions.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SendDirect encrypts e for peerID and remembers the plaintext until the
// server echoes the message back.
func (d *Device) SendDirect(ctx context.Context, peerID string, e plaintext.Entry) ([]byte, error) {
	raw, err := plaintext.Encode(e)
	if err != nil {
		return nil, err
	}
	ct, err := d.Sessions.EncryptForPeer(ctx, peerID, raw)
	if err != nil {
		return nil, err
	}
	d.Pipeline.OwnSent().Remember(ct, e)
	return ct, nil
}

// SendChannel encrypts e with this device's sender key for channelID.
func (d *Device) SendChannel(ctx context.Context, channelID string, e plaintext.Entry) ([]byte, error) {
	raw, err := plaintext.Encode(e)
	if err != nil {
		return nil, err
	}
	ct, err := d.Sessions.EncryptForChannel(ctx, channelID, raw)
	if err != nil {
		return nil, err
	}
	d.Pipeline.OwnSent().Remember(ct, e)
	return ct, nil
}

func (d *Device) Close() error {
	return d.Cache.Close()
}
