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

	"github.com/efchatnet/keyex/backend/middleware"
	"github.com/efchatnet/keyex/backend/models"
	"github.com/efchatnet/keyex/backend/service"
)

type KeyHandler struct {
	keys *service.KeyService
}

func NewKeyHandler(keys *service.KeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

// RegisterKeys stores the caller's identity key, a signed pre-key and a
// batch of one-time pre-keys.
// POST /api/e2e/keys
func (h *KeyHandler) RegisterKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var registration models.KeyRegistration
	if !decodeJSON(w, r, &registration) {
		return
	}

	result, err := h.keys.RegisterKeys(r.Context(), userID, registration)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	middleware.LoggerFrom(r.Context()).Info().
		Str("user_id", userID).
		Int("one_time_pre_keys", result.OneTimePreKeys).
		Msg("keys registered")
	writeJSON(w, http.StatusCreated, result)
}

// GetPreKeyBundle claims a bundle for another user. A user without keys
// yields a JSON null.
// GET /api/e2e/bundle/{userId}
func (h *KeyHandler) GetPreKeyBundle(w http.ResponseWriter, r *http.Request) {
	callerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	targetID := mux.Vars(r)["userId"]

	bundle, err := h.keys.GetPreKeyBundle(r.Context(), callerID, targetID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// ReplenishPreKeys appends one-time pre-keys to the caller's pool.
// POST /api/e2e/keys/replenish
func (h *KeyHandler) ReplenishPreKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var prekeys []models.OneTimePreKey
	if !decodeJSON(w, r, &prekeys) {
		return
	}

	added, err := h.keys.UploadOneTimePreKeys(r.Context(), userID, prekeys)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"added": added})
}

// RotateSignedPreKey appends a new signed pre-key. Older ones are kept.
// POST /api/e2e/keys/signed
func (h *KeyHandler) RotateSignedPreKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var prekey models.SignedPreKey
	if !decodeJSON(w, r, &prekey) {
		return
	}

	if err := h.keys.RotateSignedPreKey(r.Context(), userID, prekey); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"key_id": prekey.KeyID})
}

// GetKeyStatus returns how many one-time pre-keys the caller has left and
// when their current signed pre-key was created.
// GET /api/e2e/keys/status
func (h *KeyHandler) GetKeyStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	status, err := h.keys.GetKeyStatus(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
