// Package huddle ties the configuration, the store, the signaling server,
// and the HTTP API together into a runnable server.
package huddle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/huddlemesh/huddle/src/config"
	"github.com/huddlemesh/huddle/src/service"
	"github.com/huddlemesh/huddle/src/signal"
	"github.com/huddlemesh/huddle/src/store"
)

const shutdownTimeout = 5 * time.Second

// Huddle is the server engine. Init wires the components in dependency
// order; Run serves the signaling endpoint and the API off one listener.
type Huddle struct {
	Config  *config.Config
	Store   store.Store
	Signal  *signal.Server
	Service *service.Service

	logger   *logrus.Entry
	listener net.Listener
	srv      *http.Server
}

// NewHuddle is a factory method that returns an uninitialized Huddle object.
// Init must be called before Run.
func NewHuddle(config *config.Config) *Huddle {
	return &Huddle{
		Config: config,
		logger: config.Logger(),
	}
}

// Init initializes the Huddle engine and binds its listener, so address
// errors surface here rather than mid-Run.
func (h *Huddle) Init() error {
	if err := h.initStore(); err != nil {
		h.logger.WithError(err).Error("huddle.go:Init() initStore")
		return err
	}

	if err := h.initSignal(); err != nil {
		h.logger.WithError(err).Error("huddle.go:Init() initSignal")
		return err
	}

	if err := h.initService(); err != nil {
		h.logger.WithError(err).Error("huddle.go:Init() initService")
		return err
	}

	l, err := net.Listen("tcp", h.Config.BindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", h.Config.BindAddr, err)
	}
	h.listener = l

	return nil
}

// Addr returns the bound listen address. Only valid after Init.
func (h *Huddle) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Run serves until Shutdown is called.
func (h *Huddle) Run() error {
	mux := http.NewServeMux()

	h.Signal.RegisterRoutes(mux)

	if h.Service != nil {
		h.Service.RegisterHandlers(mux)
	}

	h.srv = &http.Server{Handler: mux}

	h.logger.WithField("listen", h.Addr()).Info("Serving")

	if err := h.srv.Serve(h.listener); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, closes every signaling connection, and
// closes the store.
func (h *Huddle) Shutdown() {
	h.logger.Info("Shutting down")

	if h.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h.srv.Shutdown(ctx)
	}

	h.Signal.Shutdown()

	if err := h.Store.Close(); err != nil {
		h.logger.WithError(err).Error("Closing store")
	}
}

// initStore picks the backend from the config: Mongo when a URL is set,
// Badger when --store is set, in-memory otherwise.
func (h *Huddle) initStore() error {
	var err error

	switch {
	case h.Config.MongoURL != "":
		h.logger.WithField("mongo", h.Config.MongoURL).Debug("Using MongoStore")
		h.Store, err = store.NewMongoStore(h.Config.MongoURL, "huddle")
	case h.Config.Store:
		h.logger.WithField("db", h.Config.DatabaseDir).Debug("Using BadgerStore")
		h.Store, err = store.NewBadgerStore(h.Config.CacheSize, h.Config.DatabaseDir)
	default:
		h.logger.Debug("Using InmemStore")
		h.Store = store.NewInmemStore(h.Config.CacheSize)
	}

	return err
}

func (h *Huddle) initSignal() error {
	h.Signal = signal.NewServer(h.Store, h.logger)
	return nil
}

func (h *Huddle) initService() error {
	if h.Config.NoService {
		return nil
	}
	h.Service = service.NewService(h.Store, h.Signal.Registry(), h.Signal, h.logger)
	return nil
}
