// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/capture"
	"github.com/bureau-foundation/fleetlink/lib/catalog"
	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/config"
	"github.com/bureau-foundation/fleetlink/lib/controlplane"
	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/heartbeat"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/metrics"
	"github.com/bureau-foundation/fleetlink/lib/registry"
	"github.com/bureau-foundation/fleetlink/lib/service"
	"github.com/bureau-foundation/fleetlink/lib/session"
)

// shutdownTimeout bounds the HTTP drain at shutdown.
const shutdownTimeout = 10 * time.Second

// controller holds every component of one running server.
type controller struct {
	config    *config.Config
	clock     clock.Clock
	startedAt time.Time
	logger    *slog.Logger

	catalog    *catalog.Catalog
	metrics    *metrics.Metrics
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	media      *media.Manager
	sessions   *session.Manager
	heartbeat  *heartbeat.Monitor
	plane      *controlplane.Plane
	operator   *service.Server
	handler    http.Handler
}

// newController opens storage and wires the components. Nothing runs
// until run.
func newController(cfg *config.Config, logger *slog.Logger) (*controller, error) {
	c := &controller{
		config: cfg,
		clock:  clock.Real(),
		logger: logger,
	}
	c.startedAt = c.clock.Now()

	index, err := catalog.Open(catalog.Config{Path: cfg.Storage.CatalogPath, Logger: logger})
	if err != nil {
		return nil, err
	}
	c.catalog = index

	store, err := capture.New(capture.Config{
		ImagesDir:     cfg.Storage.ImagesDir,
		RecordingsDir: cfg.Storage.RecordingsDir,
		Index:         index,
		Clock:         c.clock,
		Logger:        logger.With("component", "capture"),
	})
	if err != nil {
		index.Close()
		return nil, err
	}

	c.metrics = metrics.New()
	c.registry = registry.New(registry.Config{
		Clock:        c.clock,
		OfflineAfter: cfg.Heartbeat.Interval.D() * 2,
		Logger:       logger.With("component", "registry"),
	})
	c.dispatcher = dispatch.New(dispatch.Config{
		Transport:      session.NewTransport(c.registry),
		Clock:          c.clock,
		DefaultTimeout: cfg.Commands.DefaultTimeout.D(),
		Metrics:        c.metrics,
		Logger:         logger.With("component", "dispatch"),
	})
	c.media = media.NewManager(media.Config{
		Clock:       c.clock,
		Images:      store,
		Recordings:  store,
		IdleTimeout: cfg.Streams.IdleTimeout.D(),
		LiveFrames:  cfg.Streams.LiveFrames,
		SLAMQueue:   cfg.Streams.SLAMQueue,
		Metrics:     c.metrics,
		Logger:      logger.With("component", "media"),
	})
	c.sessions = session.NewManager(session.Config{
		Registry:            c.registry,
		Dispatcher:          c.dispatcher,
		Media:               c.media,
		Clock:               c.clock,
		RegistrationTimeout: cfg.RegistrationTimeout.D(),
		MaxMessageBytes:     cfg.Limits.MaxMessageBytes,
		Metrics:             c.metrics,
		Logger:              logger.With("component", "session"),
	})
	c.heartbeat = heartbeat.New(heartbeat.Config{
		Registry: c.registry,
		Clock:    c.clock,
		Interval: cfg.Heartbeat.Interval.D(),
		Metrics:  c.metrics,
		Logger:   logger.With("component", "heartbeat"),
	})
	c.plane = controlplane.New(controlplane.Config{
		Registry:   c.registry,
		Dispatcher: c.dispatcher,
		Media:      c.media,
		Logger:     logger.With("component", "controlplane"),
	})

	c.operator = service.NewServer(cfg.OperatorSocket, logger.With("component", "operator"))
	c.registerActions(c.operator)
	c.handler = c.routes()
	return c, nil
}

// run serves until ctx is cancelled and then shuts down in order:
// agent sessions, streams (finalizing recordings and releasing live
// viewers), HTTP, the operator socket, and the catalog.
func (c *controller) run(ctx context.Context) error {
	listener, err := net.Listen("tcp", c.config.Listen)
	if err != nil {
		c.catalog.Close()
		return fmt.Errorf("listening on %s: %w", c.config.Listen, err)
	}
	return c.serve(ctx, listener)
}

func (c *controller) serve(ctx context.Context, listener net.Listener) error {
	ctx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	server := &http.Server{
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(c.logger.Handler(), slog.LevelWarn),
	}
	httpDone := make(chan error, 1)
	go func() { httpDone <- server.Serve(listener) }()

	operatorCtx, stopOperator := context.WithCancel(context.Background())
	defer stopOperator()
	operatorDone := make(chan error, 1)
	go func() { operatorDone <- c.operator.Serve(operatorCtx) }()

	go c.heartbeat.Run(ctx)
	go c.media.Run(ctx)

	c.logger.Info("controller running",
		"listen", listener.Addr().String(),
		"operator_socket", c.config.OperatorSocket,
		"heartbeat_interval", c.config.Heartbeat.Interval,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-httpDone:
		c.logger.Error("http server stopped", "error", serveErr)
	case serveErr = <-operatorDone:
		c.logger.Error("operator socket stopped", "error", serveErr)
		operatorDone <- nil
	}
	c.logger.Info("shutting down")
	cancelBackground()

	c.sessions.Close()
	stopped := c.media.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("http shutdown incomplete", "error", err)
	}
	c.dispatcher.Close()
	stopOperator()
	if err := <-operatorDone; err != nil && serveErr == nil {
		serveErr = err
	}

	if err := c.catalog.Close(); err != nil {
		c.logger.Warn("closing catalog", "error", err)
	}
	c.logger.Info("controller stopped", "streams_stopped", len(stopped))

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
