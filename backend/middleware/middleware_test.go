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

package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

func token(t *testing.T, claims Claims) string {
	t.Helper()
	tok, err := SignToken(claims, testSecret)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	return tok
}

func validClaims(userID string) Claims {
	now := time.Now()
	return Claims{
		UserID:    userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
		Issuer:    "efchat",
	}
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := GetUserID(r)
		if !ok {
			http.Error(w, "no user", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(uid))
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := NewAuthMiddleware(testSecret, "efchat")(echoUser())

	expired := validClaims("alice")
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	otherIssuer := validClaims("alice")
	otherIssuer.Issuer = "elsewhere"
	forged, _ := SignToken(validClaims("alice"), "other-secret")

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"valid", "Bearer " + token(t, validClaims("alice")), "", http.StatusOK, "alice"},
		{"query token", "", "?access_token=" + token(t, validClaims("bob")), http.StatusOK, "bob"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", "", http.StatusUnauthorized, ""},
		{"garbage", "Bearer abc", "", http.StatusUnauthorized, ""},
		{"forged", "Bearer " + forged, "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + token(t, expired), "", http.StatusUnauthorized, ""},
		{"wrong issuer", "Bearer " + token(t, otherIssuer), "", http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + token(t, validClaims("")), "", http.StatusUnauthorized, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if tc.body != "" && w.Body.String() != tc.body {
				t.Fatalf("body = %q, want %q", w.Body.String(), tc.body)
			}
		})
	}
}

func TestAuthMiddleware_UnsupportedAlgorithm(t *testing.T) {
	tok := token(t, validClaims("alice"))
	parts := strings.Split(tok, ".")
	parts[0] = "eyJhbGciOiJub25lIn0" // {"alg":"none"}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+strings.Join(parts, "."))
	w := httptest.NewRecorder()
	NewAuthMiddleware(testSecret, "")(echoUser()).ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.efchat.net"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.efchat.net")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.efchat.net" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestRequestIDAndLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	r := mux.NewRouter()
	r.Use(RequestID, Logger(base))
	r.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		LoggerFrom(r.Context()).Info().Msg("inside")
		http.Error(w, "nope", http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	var inner, access map[string]any
	if err := json.Unmarshal(lines[0], &inner); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(lines[1], &access); err != nil {
		t.Fatal(err)
	}
	if inner["request_id"] != "abc-123" {
		t.Fatalf("handler log lacks request id: %v", inner)
	}
	if access["level"] != "warn" || access["path"] != "/items/{id}" || access["status"] != float64(404) {
		t.Fatalf("unexpected access log %v", access)
	}
}

func TestRequestID_Generated(t *testing.T) {
	w := httptest.NewRecorder()
	RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id")
	}
}

func TestMetrics(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Metrics)
	r.HandleFunc("/bundle/{userId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	before := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/bundle/{userId}", "403"))
	for _, u := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bundle/"+u, nil))
	}
	after := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/bundle/{userId}", "403"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests on the route template, got %v", after-before)
	}
}
