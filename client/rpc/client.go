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

// Package rpc is the client side of the key exchange HTTP API.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/efchatnet/keyex/backend/models"
)

const apiPrefix = "/api/e2e"

// Error is a non-2xx response from the server.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("e2e api: %d %s", e.Status, e.Message)
}

// IsForbidden reports whether err is an authorization failure, such as
// fetching the bundle of a user with no shared server.
func IsForbidden(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden
}

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns the same token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

type Client struct {
	Base  string
	HTTP  *http.Client
	Token TokenSource
}

func NewClient(base string, token TokenSource) *Client {
	return &Client{
		Base:  strings.TrimRight(base, "/"),
		HTTP:  http.DefaultClient,
		Token: token,
	}
}

func (c *Client) RegisterKeys(ctx context.Context, registration models.KeyRegistration) (*models.RegistrationResult, error) {
	var out models.RegistrationResult
	if err := c.do(ctx, http.MethodPost, "/keys", registration, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadOneTimePreKeys(ctx context.Context, prekeys []models.OneTimePreKey) (int, error) {
	var out struct {
		Added int `json:"added"`
	}
	if err := c.do(ctx, http.MethodPost, "/keys/replenish", prekeys, &out); err != nil {
		return 0, err
	}
	return out.Added, nil
}

func (c *Client) RotateSignedPreKey(ctx context.Context, prekey models.SignedPreKey) error {
	return c.do(ctx, http.MethodPost, "/keys/signed", prekey, nil)
}

func (c *Client) GetPreKeyCount(ctx context.Context) (int, error) {
	status, err := c.GetKeyStatus(ctx)
	if err != nil {
		return 0, err
	}
	return status.RemainingKeys, nil
}

func (c *Client) GetKeyStatus(ctx context.Context) (*models.KeyStatus, error) {
	var out models.KeyStatus
	if err := c.do(ctx, http.MethodGet, "/keys/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPreKeyBundle returns nil, nil when the user has no keys.
func (c *Client) GetPreKeyBundle(ctx context.Context, userID string) (*models.PreKeyBundle, error) {
	var out *models.PreKeyBundle
	if err := c.do(ctx, http.MethodGet, "/bundle/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DistributeSenderKey(ctx context.Context, channelID, toUserID string, message []byte) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/sender-keys", models.Distribution{
		ToUserID:            toUserID,
		DistributionMessage: message,
	}, nil)
}

func (c *Client) DistributeSenderKeysBatch(ctx context.Context, channelID string, distributions []models.Distribution) (int, error) {
	var out struct {
		Queued int `json:"queued"`
	}
	in := struct {
		Distributions []models.Distribution `json:"distributions"`
	}{distributions}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/sender-keys/batch", in, &out); err != nil {
		return 0, err
	}
	return out.Queued, nil
}

// GetPendingSenderKeys claims the caller's pending entries. An empty
// channelID claims entries for every channel.
func (c *Client) GetPendingSenderKeys(ctx context.Context, channelID string) ([]models.SenderKeyDistribution, error) {
	path := "/sender-keys"
	if channelID != "" {
		path += "?channel_id=" + url.QueryEscape(channelID)
	}
	var out []models.SenderKeyDistribution
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	var out models.Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EnableChannelEncryption(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/enable-e2e", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+apiPrefix+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("e2e api: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &Error{Status: resp.StatusCode, Message: msg}
}
