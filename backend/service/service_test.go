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
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/storage/sqlstore"
)

// ----- Fake notifier -----

type sentEvent struct {
	to    string
	event models.Event
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
}

func (n *fakeNotifier) Notify(ctx context.Context, userID string, event models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, sentEvent{to: userID, event: event})
	return nil
}

func (n *fakeNotifier) sentTo(userID string) []models.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Event
	for _, e := range n.events {
		if e.to == userID {
			out = append(out, e.event)
		}
	}
	return out
}

// ----- Fixtures -----

type fixture struct {
	store    *sqlstore.Store
	notifier *fakeNotifier
	keys     *KeyService
	mailbox  *MailboxService
	channels *ChannelService
}

// newFixture seeds two servers: s1 {alice, bob, carol} with channels c1
// and c2, and s2 {mallory} with channel m1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	for _, u := range []string{"alice", "bob", "carol"} {
		if err := st.AddServerMember(ctx, "s1", u); err != nil {
			t.Fatalf("AddServerMember: %v", err)
		}
	}
	if err := st.AddServerMember(ctx, "s2", "mallory"); err != nil {
		t.Fatalf("AddServerMember: %v", err)
	}
	for ch, srv := range map[string]string{"c1": "s1", "c2": "s1", "m1": "s2"} {
		if err := st.CreateChannel(ctx, ch, srv); err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
	}

	n := &fakeNotifier{}
	log := zerolog.Nop()
	b := NewBroadcaster(st, n, log)
	return &fixture{
		store:    st,
		notifier: n,
		keys:     NewKeyService(st, st, b, log),
		mailbox:  NewMailboxService(st, st, n, 3, log),
		channels: NewChannelService(st, st, log),
	}
}

func keyRegistration(identity string, signedID int, otpIDs ...int) models.KeyRegistration {
	reg := models.KeyRegistration{
		RegistrationID:    7,
		IdentityPublicKey: []byte(identity),
		SignedPreKey:      models.SignedPreKey{KeyID: signedID, PublicKey: []byte("spk"), Signature: []byte("sig")},
	}
	for _, id := range otpIDs {
		reg.OneTimePreKeys = append(reg.OneTimePreKeys, models.OneTimePreKey{KeyID: id, PublicKey: []byte{byte(id)}})
	}
	return reg
}

// ----- Key Material Store -----

func TestGetPreKeyBundle_NDistinctThenNull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 5
	ids := []int{}
	for i := 1; i <= n; i++ {
		ids = append(ids, i*10)
	}
	if _, err := f.keys.RegisterKeys(ctx, "alice", keyRegistration("id-a", 1, ids...)); err != nil {
		t.Fatalf("RegisterKeys: %v", err)
	}

	baseExhausted := testutil.ToFloat64(bundlesServed.WithLabelValues("exhausted"))

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		b, err := f.keys.GetPreKeyBundle(ctx, "bob", "alice")
		if err != nil {
			t.Fatalf("GetPreKeyBundle #%d: %v", i, err)
		}
		if b.OneTimePreKey == nil {
			t.Fatalf("fetch #%d: expected one-time key", i)
		}
		seen[b.OneTimePreKey.KeyID] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct key ids, got %d", n, len(seen))
	}

	b, err := f.keys.GetPreKeyBundle(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("GetPreKeyBundle n+1: %v", err)
	}
	if b == nil || b.OneTimePreKey != nil {
		t.Fatalf("expected bundle without one-time key, got %+v", b)
	}
	if got := testutil.ToFloat64(bundlesServed.WithLabelValues("exhausted")); got != baseExhausted+1 {
		t.Fatalf("exhausted counter = %v, want %v", got, baseExhausted+1)
	}
}

func TestGetPreKeyBundle_RotationScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.keys.RegisterKeys(ctx, "alice", keyRegistration("id-a", 50, 1, 2, 3)); err != nil {
		t.Fatalf("RegisterKeys: %v", err)
	}
	if _, err := f.keys.GetPreKeyBundle(ctx, "bob", "alice"); err != nil {
		t.Fatalf("GetPreKeyBundle: %v", err)
	}

	count, err := f.keys.GetPreKeyCount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPreKeyCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 remaining keys, got %d", count)
	}

	rotated := models.SignedPreKey{KeyID: 4, PublicKey: []byte("spk-4"), Signature: []byte("sig-4")}
	if err := f.keys.RotateSignedPreKey(ctx, "alice", rotated); err != nil {
		t.Fatalf("RotateSignedPreKey: %v", err)
	}

	b, err := f.keys.GetPreKeyBundle(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("GetPreKeyBundle: %v", err)
	}
	if b.SignedPreKey.KeyID != 4 {
		t.Fatalf("expected rotated signed prekey 4, got %d", b.SignedPreKey.KeyID)
	}
}

func TestGetPreKeyBundle_NoSharedAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.keys.RegisterKeys(ctx, "alice", keyRegistration("id-a", 1, 1)); err != nil {
		t.Fatalf("RegisterKeys: %v", err)
	}

	_, err := f.keys.GetPreKeyBundle(ctx, "mallory", "alice")
	if !errors.Is(err, ErrNoSharedAccess) {
		t.Fatalf("expected ErrNoSharedAccess, got %v", err)
	}

	// Rejected fetches must not consume keys
	count, _ := f.keys.GetPreKeyCount(ctx, "alice")
	if count != 1 {
		t.Fatalf("expected key pool untouched, got %d", count)
	}
}

func TestGetPreKeyBundle_NoKeysIsNull(t *testing.T) {
	f := newFixture(t)
	b, err := f.keys.GetPreKeyBundle(context.Background(), "bob", "carol")
	if err != nil {
		t.Fatalf("GetPreKeyBundle: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil bundle, got %+v", b)
	}
}

func TestRegisterKeys_AdditiveAndIdentityReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.keys.RegisterKeys(ctx, "alice", keyRegistration("id-a", 1, 1, 2))
	if err != nil {
		t.Fatalf("RegisterKeys: %v", err)
	}
	if res.IdentityChanged {
		t.Fatal("first registration is not a reset")
	}
	if len(f.notifier.sentTo("bob")) != 0 {
		t.Fatal("no event expected on first registration")
	}

	base := testutil.ToFloat64(identityResets)
	res, err = f.keys.RegisterKeys(ctx, "alice", keyRegistration("id-a2", 2, 3))
	if err != nil {
		t.Fatalf("RegisterKeys: %v", err)
	}
	if !res.IdentityChanged {
		t.Fatal("expected identity change")
	}
	if got := testutil.ToFloat64(identityResets); got != base+1 {
		t.Fatalf("identity reset counter = %v, want %v", got, base+1)
	}

	count, _ := f.keys.GetPreKeyCount(ctx, "alice")
	if count != 3 {
		t.Fatalf("re-registration must be additive, got %d keys", count)
	}

	for _, peer := range []string{"bob", "carol"} {
		events := f.notifier.sentTo(peer)
		if len(events) != 1 || events[0].Type != models.EventIdentityReset || events[0].UserID != "alice" {
			t.Fatalf("%s: expected one identity reset for alice, got %+v", peer, events)
		}
	}
	if len(f.notifier.sentTo("mallory")) != 0 {
		t.Fatal("users without shared access must not be told")
	}
}

func TestRegisterKeys_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		reg  models.KeyRegistration
	}{
		{"missing identity", keyRegistration("", 1)},
		{"missing signature", models.KeyRegistration{
			IdentityPublicKey: []byte("id"),
			SignedPreKey:      models.SignedPreKey{KeyID: 1, PublicKey: []byte("spk")},
		}},
		{"duplicate otp ids", keyRegistration("id", 1, 4, 4)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.keys.RegisterKeys(ctx, "alice", tc.reg)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if _, err := f.keys.UploadOneTimePreKeys(ctx, "alice", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty upload: expected ErrInvalidRequest, got %v", err)
	}
}

func TestUploadOneTimePreKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	upload := []models.OneTimePreKey{{KeyID: 1, PublicKey: []byte("a")}}
	if _, err := f.keys.UploadOneTimePreKeys(ctx, "bob", upload); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("upload before registration: expected ErrNotRegistered, got %v", err)
	}
	spk := models.SignedPreKey{KeyID: 9, PublicKey: []byte("spk"), Signature: []byte("sig")}
	if err := f.keys.RotateSignedPreKey(ctx, "bob", spk); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("rotate before registration: expected ErrNotRegistered, got %v", err)
	}

	if _, err := f.keys.RegisterKeys(ctx, "bob", keyRegistration("id-b", 1)); err != nil {
		t.Fatalf("RegisterKeys: %v", err)
	}

	base := testutil.ToFloat64(oneTimeKeysUploaded)
	n, err := f.keys.UploadOneTimePreKeys(ctx, "bob", []models.OneTimePreKey{
		{KeyID: 1, PublicKey: []byte("a")},
		{KeyID: 2, PublicKey: []byte("b")},
	})
	if err != nil || n != 2 {
		t.Fatalf("UploadOneTimePreKeys = %d, %v", n, err)
	}
	if got := testutil.ToFloat64(oneTimeKeysUploaded); got != base+2 {
		t.Fatalf("upload counter = %v, want %v", got, base+2)
	}
	count, _ := f.keys.GetPreKeyCount(ctx, "bob")
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
}

// ----- Sender-Key Mailbox -----

func TestDistributeSenderKey_FetchOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sent, err := f.mailbox.DistributeSenderKey(ctx, "alice", "c1", "bob", []byte("skdm"))
	if err != nil {
		t.Fatalf("DistributeSenderKey: %v", err)
	}

	got, err := f.mailbox.GetPendingSenderKeys(ctx, "bob", "")
	if err != nil {
		t.Fatalf("GetPendingSenderKeys: %v", err)
	}
	if len(got) != 1 || got[0].ID != sent.ID || string(got[0].DistributionMessage) != "skdm" || got[0].FromUserID != "alice" {
		t.Fatalf("unexpected entries %+v", got)
	}

	again, err := f.mailbox.GetPendingSenderKeys(ctx, "bob", "")
	if err != nil {
		t.Fatalf("GetPendingSenderKeys: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty second fetch, got %d", len(again))
	}

	hints := f.notifier.sentTo("bob")
	if len(hints) != 1 || hints[0].Type != models.EventSenderKeyDistribution || hints[0].ChannelID != "c1" || hints[0].FromUserID != "alice" {
		t.Fatalf("unexpected hints %+v", hints)
	}
}

func TestDistributeSenderKey_TwiceQueuesTwo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, m := range []string{"one", "two"} {
		if _, err := f.mailbox.DistributeSenderKey(ctx, "alice", "c1", "bob", []byte(m)); err != nil {
			t.Fatalf("DistributeSenderKey: %v", err)
		}
	}

	got, err := f.mailbox.GetPendingSenderKeys(ctx, "bob", "c1")
	if err != nil {
		t.Fatalf("GetPendingSenderKeys: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both entries, got %d", len(got))
	}
	again, _ := f.mailbox.GetPendingSenderKeys(ctx, "bob", "c1")
	if len(again) != 0 {
		t.Fatalf("expected [], got %d entries", len(again))
	}
}

func TestGetPendingSenderKeys_FilterByChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.mailbox.DistributeSenderKey(ctx, "alice", "c1", "bob", []byte("c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mailbox.DistributeSenderKey(ctx, "carol", "c2", "bob", []byte("c2")); err != nil {
		t.Fatal(err)
	}

	got, err := f.mailbox.GetPendingSenderKeys(ctx, "bob", "c2")
	if err != nil {
		t.Fatalf("GetPendingSenderKeys: %v", err)
	}
	if len(got) != 1 || got[0].ChannelID != "c2" {
		t.Fatalf("expected only c2 entries, got %+v", got)
	}
}

func TestDistributeSenderKey_Authorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.mailbox.DistributeSenderKey(ctx, "mallory", "c1", "bob", []byte("x")); !errors.Is(err, ErrNoChannelAccess) {
		t.Fatalf("caller without access: expected ErrNoChannelAccess, got %v", err)
	}
	if _, err := f.mailbox.DistributeSenderKey(ctx, "alice", "c1", "mallory", []byte("x")); !errors.Is(err, ErrNoChannelAccess) {
		t.Fatalf("recipient without access: expected ErrNoChannelAccess, got %v", err)
	}
	if _, err := f.mailbox.GetPendingSenderKeys(ctx, "mallory", "c1"); !errors.Is(err, ErrNoChannelAccess) {
		t.Fatalf("pull without access: expected ErrNoChannelAccess, got %v", err)
	}
	if len(f.notifier.sentTo("mallory")) != 0 || len(f.notifier.sentTo("bob")) != 0 {
		t.Fatal("rejected distributions must not notify")
	}
}

func TestDistributeSenderKeysBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entries, err := f.mailbox.DistributeSenderKeysBatch(ctx, "alice", "c1", []models.Distribution{
		{ToUserID: "bob", DistributionMessage: []byte("b")},
		{ToUserID: "carol", DistributionMessage: []byte("c")},
	})
	if err != nil {
		t.Fatalf("DistributeSenderKeysBatch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, u := range []string{"bob", "carol"} {
		got, _ := f.mailbox.GetPendingSenderKeys(ctx, u, "")
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 entry, got %d", u, len(got))
		}
	}

	// One bad recipient rejects the whole batch
	_, err = f.mailbox.DistributeSenderKeysBatch(ctx, "alice", "c1", []models.Distribution{
		{ToUserID: "bob", DistributionMessage: []byte("b")},
		{ToUserID: "mallory", DistributionMessage: []byte("m")},
	})
	if !errors.Is(err, ErrNoChannelAccess) {
		t.Fatalf("expected ErrNoChannelAccess, got %v", err)
	}
	if got, _ := f.mailbox.GetPendingSenderKeys(ctx, "bob", ""); len(got) != 0 {
		t.Fatalf("rejected batch must not queue anything, got %d", len(got))
	}

	tooMany := make([]models.Distribution, 4)
	for i := range tooMany {
		tooMany[i] = models.Distribution{ToUserID: "bob", DistributionMessage: []byte("x")}
	}
	if _, err := f.mailbox.DistributeSenderKeysBatch(ctx, "alice", "c1", tooMany); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("oversized batch: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.mailbox.DistributeSenderKeysBatch(ctx, "alice", "c1", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty batch: expected ErrInvalidRequest, got %v", err)
	}
}

func TestGetPendingSenderKeys_DropsRevokedChannels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Written straight to the store: bob was never a member of m1
	err := f.store.AppendSenderKeys(ctx, []models.SenderKeyDistribution{
		{ID: "x1", ChannelID: "m1", FromUserID: "mallory", ToUserID: "bob", DistributionMessage: []byte("m")},
		{ID: "x2", ChannelID: "c1", FromUserID: "alice", ToUserID: "bob", DistributionMessage: []byte("a")},
	})
	if err != nil {
		t.Fatalf("AppendSenderKeys: %v", err)
	}

	got, err := f.mailbox.GetPendingSenderKeys(ctx, "bob", "")
	if err != nil {
		t.Fatalf("GetPendingSenderKeys: %v", err)
	}
	if len(got) != 1 || got[0].ID != "x2" {
		t.Fatalf("expected only x2, got %+v", got)
	}
}

func TestBroadcaster_AnnouncePresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := NewBroadcaster(f.store, f.notifier, zerolog.Nop())

	if err := b.AnnouncePresence(ctx, "bob"); err != nil {
		t.Fatalf("AnnouncePresence: %v", err)
	}
	for _, peer := range []string{"alice", "carol"} {
		events := f.notifier.sentTo(peer)
		if len(events) != 1 || events[0].Type != models.EventPresenceJoined || events[0].UserID != "bob" {
			t.Fatalf("%s: unexpected events %+v", peer, events)
		}
	}
	if len(f.notifier.sentTo("bob")) != 0 {
		t.Fatal("a user is not their own peer")
	}
}

func TestBroadcaster_NotifierFailuresAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("redis down")
	b := NewBroadcaster(f.store, f.notifier, zerolog.Nop())

	sent, err := b.Broadcast(context.Background(), "alice", models.Event{Type: models.EventIdentityReset, UserID: "alice"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected 0 delivered, got %d", sent)
	}
}

// ----- Channels -----

func TestChannelService_EnableEncryptionIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.channels.GetChannel(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if ch.IsE2EEnabled {
		t.Fatal("channels start unencrypted")
	}

	for i := 0; i < 2; i++ {
		ch, err = f.channels.EnableEncryption(ctx, "bob", "c1")
		if err != nil {
			t.Fatalf("EnableEncryption #%d: %v", i, err)
		}
		if !ch.IsE2EEnabled {
			t.Fatalf("EnableEncryption #%d: flag not set", i)
		}
	}

	if _, err := f.channels.EnableEncryption(ctx, "mallory", "c2"); !errors.Is(err, ErrNoChannelAccess) {
		t.Fatalf("expected ErrNoChannelAccess, got %v", err)
	}
	if _, err := f.channels.GetChannel(ctx, "alice", "nope"); !errors.Is(err, ErrNoChannelAccess) {
		t.Fatalf("unknown channel: expected ErrNoChannelAccess, got %v", err)
	}
}
