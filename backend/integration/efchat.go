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
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/efchatnet/keyex/backend/handlers"
	"github.com/efchatnet/keyex/backend/middleware"
	"github.com/efchatnet/keyex/backend/service"
	"github.com/efchatnet/keyex/backend/storage"
)

// E2EIntegration provides E2E key exchange as a plugin for efchat
type E2EIntegration struct {
	store       storage.Store
	keys        *service.KeyService
	broadcaster *service.Broadcaster

	keyHandler     *handlers.KeyHandler
	mailboxHandler *handlers.MailboxHandler
	channelHandler *handlers.ChannelHandler
	eventsHandler  *handlers.EventsHandler

	jwtSecret string
	jwtIssuer string
	log       zerolog.Logger
}

// Config holds configuration for the E2E integration
type Config struct {
	Store      storage.Store
	Notifier   storage.Notifier
	Subscriber storage.Subscriber

	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string
	MaxBatchSize   int
	Logger         zerolog.Logger
}

// migrator is implemented by stores that manage their own schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

// NewE2EIntegration creates a new E2E integration that can be embedded into efchat
func NewE2EIntegration(ctx context.Context, config *Config) (*E2EIntegration, error) {
	if config.Store == nil || config.Notifier == nil || config.Subscriber == nil {
		return nil, &ValidationError{Message: "store, notifier and subscriber are required"}
	}

	if m, ok := config.Store.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	log := config.Logger
	broadcaster := service.NewBroadcaster(config.Store, config.Notifier, log)
	keys := service.NewKeyService(config.Store, config.Store, broadcaster, log)
	mailbox := service.NewMailboxService(config.Store, config.Store, config.Notifier, config.MaxBatchSize, log)
	channels := service.NewChannelService(config.Store, config.Store, log)

	return &E2EIntegration{
		store:          config.Store,
		keys:           keys,
		broadcaster:    broadcaster,
		keyHandler:     handlers.NewKeyHandler(keys),
		mailboxHandler: handlers.NewMailboxHandler(mailbox),
		channelHandler: handlers.NewChannelHandler(channels),
		eventsHandler:  handlers.NewEventsHandler(config.Subscriber, broadcaster, config.AllowedOrigins, log),
		jwtSecret:      config.JWTSecret,
		jwtIssuer:      config.JWTIssuer,
		log:            log,
	}, nil
}

// RegisterRoutes adds E2E routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (e *E2EIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/e2e").Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.jwtSecret, e.jwtIssuer))
	}

	// Key material
	api.HandleFunc("/keys", e.keyHandler.RegisterKeys).Methods("POST", "OPTIONS")
	api.HandleFunc("/keys/replenish", e.keyHandler.ReplenishPreKeys).Methods("POST", "OPTIONS")
	api.HandleFunc("/keys/signed", e.keyHandler.RotateSignedPreKey).Methods("POST", "OPTIONS")
	api.HandleFunc("/keys/status", e.keyHandler.GetKeyStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/bundle/{userId}", e.keyHandler.GetPreKeyBundle).Methods("GET", "OPTIONS")

	// Channels and the sender-key mailbox
	api.HandleFunc("/channels/{channelId}", e.channelHandler.GetChannel).Methods("GET", "OPTIONS")
	api.HandleFunc("/channels/{channelId}/enable-e2e", e.channelHandler.EnableEncryption).Methods("POST", "OPTIONS")
	api.HandleFunc("/channels/{channelId}/sender-keys", e.mailboxHandler.DistributeSenderKey).Methods("POST", "OPTIONS")
	api.HandleFunc("/channels/{channelId}/sender-keys/batch", e.mailboxHandler.DistributeSenderKeysBatch).Methods("POST", "OPTIONS")
	api.HandleFunc("/sender-keys", e.mailboxHandler.GetPendingSenderKeys).Methods("GET", "OPTIONS")

	// Push
	api.Handle("/events", e.eventsHandler).Methods("GET")
}

// CheckPreKeyCount checks if a user needs to replenish their one-time prekeys
func (e *E2EIntegration) CheckPreKeyCount(ctx context.Context, userID string, threshold int) (bool, error) {
	count, err := e.keys.GetPreKeyCount(ctx, userID)
	if err != nil {
		return false, err
	}
	return count < threshold, nil
}

// AnnouncePresence lets a host that runs its own realtime transport
// trigger the presence event the websocket gateway would send.
func (e *E2EIntegration) AnnouncePresence(ctx context.Context, userID string) error {
	return e.broadcaster.AnnouncePresence(ctx, userID)
}

// ValidateSetup checks if the E2E module is properly configured
func (e *E2EIntegration) ValidateSetup(ctx context.Context) error {
	if p, ok := e.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}

	if e.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}

	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
