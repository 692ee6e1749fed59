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

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/middleware"
	"github.com/efchatnet/keyex/backend/models"
	redisstore "github.com/efchatnet/keyex/backend/storage/redis"
	"github.com/efchatnet/keyex/backend/storage/sqlstore"
)

const secret = "integration-secret"

type env struct {
	srv   *httptest.Server
	store *sqlstore.Store
	e2e   *E2EIntegration
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	notifier := redisstore.NewNotifier(rdb, zerolog.Nop())

	e2e, err := NewE2EIntegration(ctx, &Config{
		Store:      st,
		Notifier:   notifier,
		Subscriber: notifier,
		JWTSecret:  secret,
		JWTIssuer:  "efchat",
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewE2EIntegration: %v", err)
	}
	if err := e2e.ValidateSetup(ctx); err != nil {
		t.Fatalf("ValidateSetup: %v", err)
	}

	for _, u := range []string{"alice", "bob"} {
		if err := st.AddServerMember(ctx, "s1", u); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CreateChannel(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	r := mux.NewRouter()
	e2e.RegisterRoutes(r, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st, e2e: e2e}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.SignToken(middleware.Claims{
		UserID:    userID,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Issuer:    "efchat",
	}, secret)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *env) call(t *testing.T, user, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, &buf)
	req.Header.Set("Authorization", "Bearer "+bearer(t, user))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (e *env) dial(t *testing.T, ctx context.Context, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/e2e/events?access_token=" + bearer(t, user)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", user, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestRoutes_RequireAuth(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/api/e2e/keys/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEndToEnd_KeysMailboxAndPush(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := models.KeyRegistration{
		RegistrationID:    42,
		IdentityPublicKey: []byte("alice-id"),
		SignedPreKey:      models.SignedPreKey{KeyID: 1, PublicKey: []byte("spk"), Signature: []byte("sig")},
		OneTimePreKeys:    []models.OneTimePreKey{{KeyID: 1, PublicKey: []byte("otp")}},
	}
	if code := e.call(t, "alice", http.MethodPost, "/api/e2e/keys", reg, nil); code != http.StatusCreated {
		t.Fatalf("register: %d", code)
	}

	// The gateway subscribes before upgrading, so alice is listening by
	// the time her dial returns
	aliceConn := e.dial(t, ctx, "alice")
	e.dial(t, ctx, "bob")

	var ev models.Event
	if err := wsjson.Read(ctx, aliceConn, &ev); err != nil {
		t.Fatalf("read presence: %v", err)
	}
	if ev.Type != models.EventPresenceJoined || ev.UserID != "bob" {
		t.Fatalf("unexpected event %+v", ev)
	}

	var bundle *models.PreKeyBundle
	if code := e.call(t, "bob", http.MethodGet, "/api/e2e/bundle/alice", nil, &bundle); code != http.StatusOK {
		t.Fatalf("bundle: %d", code)
	}
	if bundle == nil || bundle.RegistrationID != 42 || bundle.OneTimePreKey == nil {
		t.Fatalf("unexpected bundle %+v", bundle)
	}

	dist := models.Distribution{ToUserID: "alice", DistributionMessage: []byte("skdm")}
	if code := e.call(t, "bob", http.MethodPost, "/api/e2e/channels/c1/sender-keys", dist, nil); code != http.StatusCreated {
		t.Fatalf("distribute: %d", code)
	}

	if err := wsjson.Read(ctx, aliceConn, &ev); err != nil {
		t.Fatalf("read hint: %v", err)
	}
	if ev.Type != models.EventSenderKeyDistribution || ev.ChannelID != "c1" || ev.FromUserID != "bob" {
		t.Fatalf("unexpected hint %+v", ev)
	}

	var pending []models.SenderKeyDistribution
	e.call(t, "alice", http.MethodGet, "/api/e2e/sender-keys?channel_id=c1", nil, &pending)
	if len(pending) != 1 || string(pending[0].DistributionMessage) != "skdm" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	stale, err := e.e2e.CheckPreKeyCount(ctx, "alice", 1)
	if err != nil || !stale {
		t.Fatalf("CheckPreKeyCount = %v, %v; want true", stale, err)
	}
}

func TestValidateSetup_FailsWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	st, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	notifier := redisstore.NewNotifier(rdb, zerolog.Nop())

	e2e, err := NewE2EIntegration(ctx, &Config{
		Store:      st,
		Notifier:   notifier,
		Subscriber: notifier,
		JWTSecret:  secret,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewE2EIntegration: %v", err)
	}
	if err := e2e.ValidateSetup(ctx); err != nil {
		t.Fatalf("ValidateSetup on a healthy store: %v", err)
	}

	_ = st.Close()
	if err := e2e.ValidateSetup(ctx); err == nil {
		t.Fatal("ValidateSetup should fail once the database is gone")
	}
}
