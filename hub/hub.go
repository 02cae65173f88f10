package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"walletchat/config"
	"walletchat/crypto"
	"walletchat/discovery"
	"walletchat/relay"
	"walletchat/signaling"
	"walletchat/storage"
)

const shutdownTimeout = 30 * time.Second

// Hub runs the signaling server, the relay and the shared offline store.
type Hub struct {
	cfg    *config.HubConfig
	logger zerolog.Logger

	Signaling *signaling.Server
	Relay     *relay.Server
	blobs     *storage.Store

	server      *http.Server
	listener    net.Listener
	broadcaster *discovery.Broadcaster

	closeOnce sync.Once
	closeErr  error
}

// New builds every hub component from cfg without listening yet.
func New(ctx context.Context, cfg *config.HubConfig, logger zerolog.Logger) (*Hub, error) {
	identity, err := loadIdentity(cfg.IdentityDir)
	if err != nil {
		return nil, err
	}

	var queue relay.Queue
	if cfg.RedisURL != "" {
		rq, err := relay.NewRedisQueue(ctx, cfg.RedisURL, cfg.QueueCapacity)
		if err != nil {
			return nil, err
		}
		queue = rq
		logger.Info().Msg("relay queues kept in redis")
	} else {
		queue = relay.NewMemoryQueue(cfg.QueueCapacity)
	}

	h := &Hub{cfg: cfg, logger: logger}
	h.Signaling = signaling.NewServer(signaling.ServerOptions{
		Logger:            logger,
		KeepAliveInterval: cfg.KeepAlive,
	})
	h.Relay, err = relay.NewServer(relay.ServerOptions{
		Identity:          identity,
		Queue:             queue,
		KeepAliveInterval: cfg.KeepAlive,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	var blobs storage.OfflineStore
	if cfg.BlobDir != "" {
		store, dbPath, err := storage.OpenDir(cfg.BlobDir, storage.Options{
			BlobRetention: cfg.BlobRetention,
			Logger:        logger,
		})
		if err != nil {
			_ = h.Relay.Close()
			return nil, fmt.Errorf("hub: open offline store: %w", err)
		}
		h.blobs = store
		blobs = store
		logger.Info().Str("path", dbPath).Dur("retention", cfg.BlobRetention).Msg("shared offline store enabled")
	}

	h.server = &http.Server{
		Handler: NewRouter(RouterOptions{
			Signaling: h.Signaling,
			Relay:     h.Relay,
			Blobs:     blobs,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return h, nil
}

func loadIdentity(dir string) (crypto.Identity, error) {
	if dir == "" {
		return crypto.GenerateIdentity()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return crypto.Identity{}, fmt.Errorf("hub: create identity dir: %w", err)
	}
	return crypto.LoadOrCreateIdentity(
		filepath.Join(dir, "ed25519_private.pem"),
		filepath.Join(dir, "ed25519_public.pem"),
	)
}

// Listen binds the configured address. The bound address is returned so a
// ":0" listen can be discovered.
func (h *Hub) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", h.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("hub: listen %s: %w", h.cfg.Listen, err)
	}
	h.listener = ln
	return ln.Addr(), nil
}

// Serve answers requests until ctx is cancelled, then shuts down.
func (h *Hub) Serve(ctx context.Context) error {
	if h.listener == nil {
		if _, err := h.Listen(); err != nil {
			return err
		}
	}
	addr := h.listener.Addr().(*net.TCPAddr)

	if h.cfg.Advertise {
		b, err := discovery.StartBroadcaster(discovery.Config{
			HubID:   h.Relay.NodeID(),
			HubName: h.cfg.HubName,
			Port:    addr.Port,
			Logger:  h.logger,
		})
		if err != nil {
			// LAN discovery is optional; explicit hub urls keep working.
			h.logger.Warn().Err(err).Msg("mDNS advertisement unavailable")
		} else {
			h.broadcaster = b
		}
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info().Str("addr", addr.String()).Str("node_id", h.Relay.NodeID()).Msg("hub listening")
		if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return multierr.Append(err, h.Close())
	case <-ctx.Done():
	}
	return h.Close()
}

// Close stops advertising, drains websocket sessions and closes the queue
// and offline store. It is idempotent.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.logger.Info().Msg("hub shutting down")
		h.broadcaster.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var err error
		// Hijacked websockets are not tracked by Shutdown; close them first.
		err = multierr.Append(err, h.Signaling.Close())
		err = multierr.Append(err, h.Relay.Close())
		if h.listener != nil {
			if shutdownErr := h.server.Shutdown(ctx); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
				err = multierr.Append(err, shutdownErr)
			}
		}
		if h.blobs != nil {
			err = multierr.Append(err, h.blobs.Close())
		}
		h.closeErr = err
	})
	return h.closeErr
}
