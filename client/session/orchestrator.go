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
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/efchatnet/keyex/backend/models"
)

// ErrNoKeys is returned when a peer has not published a pre-key bundle.
var ErrNoKeys = errors.New("peer has no published keys")

// Deps are the collaborators of an Orchestrator. Trust defaults to an
// in-memory store.
type Deps struct {
	Keys    KeyAPI
	Mailbox MailboxAPI
	Ratchet Ratchet
	Roster  Roster
	Trust   TrustStore
}

// Orchestrator owns the session and sender-key state of one device. All
// state changes go through a single mutex, so it is the only writer of
// the ratchet and of its DistributedMembersCache.
type Orchestrator struct {
	self    string
	keys    KeyAPI
	mailbox MailboxAPI
	ratchet Ratchet
	roster  Roster
	trust   TrustStore
	members *DistributedMembersCache
	limiter *rate.Limiter
	cfg     Config
	log     zerolog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewOrchestrator(self string, deps Deps, cfg Config, log zerolog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	trust := deps.Trust
	if trust == nil {
		trust = NewMemoryTrustStore()
	}
	return &Orchestrator{
		self:    self,
		keys:    deps.Keys,
		mailbox: deps.Mailbox,
		ratchet: deps.Ratchet,
		roster:  deps.Roster,
		trust:   trust,
		members: NewDistributedMembersCache(),
		limiter: rate.NewLimiter(cfg.DistributionRate, cfg.DistributionBurst),
		cfg:     cfg,
		log:     log.With().Str("component", "session").Str("self", self).Logger(),
	}
}

// Members exposes the per-channel distribution marks.
func (o *Orchestrator) Members() *DistributedMembersCache {
	return o.members
}

// EnsureSession bootstraps a pairwise session with peerID unless one
// exists. A peer without keys yields ErrNoKeys.
func (o *Orchestrator) EnsureSession(ctx context.Context, peerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ensureSessionLocked(ctx, peerID)
}

func (o *Orchestrator) ensureSessionLocked(ctx context.Context, peerID string) error {
	if o.ratchet.HasSession(peerID) {
		return nil
	}

	bundle, err := o.keys.GetPreKeyBundle(ctx, peerID)
	if err != nil {
		return fmt.Errorf("fetch bundle for %s: %w", peerID, err)
	}
	if bundle == nil {
		return fmt.Errorf("%s: %w", peerID, ErrNoKeys)
	}

	check, fp := VerifyIdentity(o.trust, peerID, bundle.IdentityPublicKey)
	if check == IdentityChanged {
		o.invalidateLocked(peerID)
		o.trust.Pin(peerID, fp)
		o.log.Warn().Str("peer", peerID).Str("fingerprint", fp).Msg("Peer identity changed; session invalidated")
		if o.cfg.OnIdentityChange != nil {
			o.cfg.OnIdentityChange(peerID, fp)
		}
	}

	if err := o.ratchet.EstablishSession(ctx, peerID, bundle); err != nil {
		return fmt.Errorf("establish session with %s: %w", peerID, err)
	}
	o.log.Debug().Str("peer", peerID).Bool("one_time_key", bundle.OneTimePreKey != nil).Msg("Session established")
	return nil
}

// invalidateLocked drops everything derived from peerID's old identity.
func (o *Orchestrator) invalidateLocked(peerID string) {
	o.ratchet.ResetPeer(peerID)
	o.members.Forget(peerID)
}

// EncryptForPeer encrypts a direct message, bootstrapping the session on
// first use.
func (o *Orchestrator) EncryptForPeer(ctx context.Context, peerID string, plaintext []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ensureSessionLocked(ctx, peerID); err != nil {
		return nil, err
	}
	return o.ratchet.Encrypt(ctx, peerID, plaintext)
}

// EncryptForChannel makes sure every member holds this device's sender key
// and then encrypts with it.
func (o *Orchestrator) EncryptForChannel(ctx context.Context, channelID string, plaintext []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.distributeChannelLocked(ctx, channelID); err != nil {
		return nil, err
	}
	return o.ratchet.GroupEncrypt(ctx, channelID, plaintext)
}

// EnsureChannelDistribution sends this device's sender key to every
// member of channelID not yet marked as distributed. Members whose
// session cannot be bootstrapped are skipped and retried next time.
func (o *Orchestrator) EnsureChannelDistribution(ctx context.Context, channelID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.distributeChannelLocked(ctx, channelID)
}

func (o *Orchestrator) distributeChannelLocked(ctx context.Context, channelID string) error {
	members, err := o.roster.Members(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list members of %s: %w", channelID, err)
	}

	var pending []string
	for _, m := range members {
		if m != o.self && !o.members.Has(channelID, m) {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	skdm, err := o.ratchet.CreateSenderKeyDistribution(ctx, channelID)
	if err != nil {
		return fmt.Errorf("create sender key for %s: %w", channelID, err)
	}

	batch := make([]models.Distribution, 0, len(pending))
	recipients := make([]string, 0, len(pending))
	for _, peer := range pending {
		msg, err := o.sealLocked(ctx, peer, skdm)
		if err != nil {
			o.log.Warn().Err(err).Str("channel_id", channelID).Str("peer", peer).Msg("Skipping sender key distribution")
			continue
		}
		batch = append(batch, models.Distribution{ToUserID: peer, DistributionMessage: msg})
		recipients = append(recipients, peer)
	}

	for start := 0; start < len(batch); start += o.cfg.BatchSize {
		end := min(start+o.cfg.BatchSize, len(batch))
		if _, err := o.mailbox.DistributeSenderKeysBatch(ctx, channelID, batch[start:end]); err != nil {
			return fmt.Errorf("distribute sender keys in %s: %w", channelID, err)
		}
		o.members.Mark(channelID, recipients[start:end]...)
	}

	o.log.Debug().Str("channel_id", channelID).Int("recipients", len(batch)).Msg("Sender key distributed")
	return nil
}

// sealLocked encrypts a sender-key distribution under the pairwise
// session with peerID.
func (o *Orchestrator) sealLocked(ctx context.Context, peerID string, skdm []byte) ([]byte, error) {
	if err := o.ensureSessionLocked(ctx, peerID); err != nil {
		return nil, err
	}
	return o.ratchet.Encrypt(ctx, peerID, skdm)
}

// OnPresenceJoined forgets peerID's distribution marks and re-sends this
// device's sender key for every shared encrypted channel. It returns at
// once; channels are handled one at a time, paced by the limiter.
func (o *Orchestrator) OnPresenceJoined(ctx context.Context, peerID string) {
	if peerID == "" || peerID == o.self {
		return
	}
	o.members.Forget(peerID)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.redistribute(ctx, peerID)
	}()
}

func (o *Orchestrator) redistribute(ctx context.Context, peerID string) {
	channels, err := o.roster.EncryptedChannels(ctx)
	if err != nil {
		o.log.Warn().Err(err).Str("peer", peerID).Msg("Failed to list channels for re-distribution")
		return
	}

	sent := 0
	for _, channelID := range channels {
		members, err := o.roster.Members(ctx, channelID)
		if err != nil {
			o.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to list members")
			continue
		}
		if !slices.Contains(members, peerID) {
			continue
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return
		}
		if err := o.distributeTo(ctx, channelID, peerID); err != nil {
			o.log.Warn().Err(err).Str("channel_id", channelID).Str("peer", peerID).Msg("Sender key re-distribution failed")
			continue
		}
		sent++
	}
	o.log.Debug().Str("peer", peerID).Int("channels", sent).Msg("Re-distribution finished")
}

func (o *Orchestrator) distributeTo(ctx context.Context, channelID, peerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.members.Has(channelID, peerID) {
		return nil
	}
	skdm, err := o.ratchet.CreateSenderKeyDistribution(ctx, channelID)
	if err != nil {
		return fmt.Errorf("create sender key: %w", err)
	}
	msg, err := o.sealLocked(ctx, peerID, skdm)
	if err != nil {
		return err
	}
	if err := o.mailbox.DistributeSenderKey(ctx, channelID, peerID, msg); err != nil {
		return err
	}
	o.members.Mark(channelID, peerID)
	return nil
}

// Wait blocks until background re-distribution has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// OnIdentityReset discards the pinned identity, the ratchet state and the
// distribution marks of userID. The next send re-bootstraps from a fresh
// bundle.
func (o *Orchestrator) OnIdentityReset(ctx context.Context, userID string) {
	if userID == "" || userID == o.self {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trust.Forget(userID)
	o.invalidateLocked(userID)
	o.log.Info().Str("peer", userID).Msg("Peer identity reset")
}

// PullSenderKeys claims pending mailbox entries, optionally for a single
// channel, and applies them in order. Entries are gone from the server
// once claimed, so one that fails to apply is logged and dropped.
func (o *Orchestrator) PullSenderKeys(ctx context.Context, channelID string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.mailbox.GetPendingSenderKeys(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("get pending sender keys: %w", err)
	}

	applied := 0
	for _, e := range entries {
		if err := o.applyLocked(ctx, e); err != nil {
			o.log.Warn().Err(err).
				Str("entry_id", e.ID).
				Str("channel_id", e.ChannelID).
				Str("from", e.FromUserID).
				Msg("Dropping undecryptable sender key distribution")
			continue
		}
		applied++
	}
	return applied, nil
}

func (o *Orchestrator) applyLocked(ctx context.Context, e models.SenderKeyDistribution) error {
	skdm, err := o.ratchet.Decrypt(ctx, e.FromUserID, e.DistributionMessage)
	if err != nil {
		return fmt.Errorf("decrypt distribution: %w", err)
	}
	if err := o.ratchet.ProcessSenderKeyDistribution(ctx, e.ChannelID, e.FromUserID, skdm); err != nil {
		return fmt.Errorf("process distribution: %w", err)
	}
	return nil
}

// DecryptFromPeer decrypts a direct message. It shares the lock with
// session bootstrap because a pairwise decrypt advances the chain.
func (o *Orchestrator) DecryptFromPeer(ctx context.Context, peerID string, ciphertext []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ratchet.Decrypt(ctx, peerID, ciphertext)
}

// DecryptFromChannel decrypts a sender-key message. Distinct (channel,
// sender) chains may be decrypted concurrently.
func (o *Orchestrator) DecryptFromChannel(ctx context.Context, channelID, senderID string, ciphertext []byte) ([]byte, error) {
	return o.ratchet.GroupDecrypt(ctx, channelID, senderID, ciphertext)
}

// OnConnect pulls the whole mailbox, recovering hints missed while the
// push channel was down.
func (o *Orchestrator) OnConnect(ctx context.Context) {
	if _, err := o.PullSenderKeys(ctx, ""); err != nil {
		o.log.Warn().Err(err).Msg("Mailbox pull on connect failed")
	}
}

// HandleEvent dispatches one push event.
func (o *Orchestrator) HandleEvent(ctx context.Context, event models.Event) {
	switch event.Type {
	case models.EventPresenceJoined:
		o.OnPresenceJoined(ctx, event.UserID)
	case models.EventIdentityReset:
		o.OnIdentityReset(ctx, event.UserID)
	case models.EventSenderKeyDistribution:
		if _, err := o.PullSenderKeys(ctx, event.ChannelID); err != nil {
			o.log.Warn().Err(err).Str("channel_id", event.ChannelID).Msg("Mailbox pull failed")
		}
	default:
		o.log.Debug().Str("type", event.Type).Msg("Ignoring unknown event")
	}
}

// Reset forgets every distribution mark, as at the start of a new
// session.
func (o *Orchestrator) Reset() {
	o.members.Clear()
}
