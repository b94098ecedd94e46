package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/veer-debug/chat-with-me/internal/broadcast"
	"github.com/veer-debug/chat-with-me/internal/bus"
	"github.com/veer-debug/chat-with-me/internal/router"
	"github.com/veer-debug/chat-with-me/internal/server/middleware"
	"github.com/veer-debug/chat-with-me/pkg/config"
	"github.com/veer-debug/chat-with-me/pkg/metrics"
	"github.com/veer-debug/chat-with-me/pkg/state"
	"github.com/veer-debug/chat-with-me/pkg/state/registry"
	"github.com/veer-debug/chat-with-me/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    state.Registry
	broadcaster *broadcast.RoomBroadcaster
	eventRouter *router.EventRouter
	bus         *bus.RedisBus // nil unless the bus is enabled
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	reg := registry.NewInMemory(logger)

	var redisBus *bus.RedisBus
	var broadcastBus broadcast.Bus
	if cfg.Bus.Enabled {
		var err error
		redisBus, err = bus.NewRedisBus(rootCtx, cfg.Bus, logger)
		if err != nil {
			return nil, err
		}
		broadcastBus = redisBus
	}

	broadcaster := broadcast.New(logger, reg, broadcastBus)
	eventRouter := router.NewEventRouter(logger, broadcaster)

	app := &App{
		logger:      logger,
		registry:    reg,
		broadcaster: broadcaster,
		eventRouter: eventRouter,
		bus:         redisBus,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(app.logger),
	))
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.HandleFunc("/stats", app.statsHandler)
	mux.Handle("/metrics", metrics.Handler())

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}).Handler(mux)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app, nil
}

func (a *App) Run() error {
	if a.bus != nil {
		go a.bus.Subscribe(a.ctx, a.broadcaster.DeliverLocal)
	}

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)
	if _, err := a.registry.Register(conn.ID(), conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	metrics.ActiveConnections.Inc()

	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Disconnect, running implicit leave", slog.String("connID", id.String()))
		a.broadcaster.Disconnect(id)
		metrics.ActiveConnections.Dec()
	})

	connLogger.Info("Connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *App) statsHandler(w http.ResponseWriter, _ *http.Request) {
	rooms, members := a.broadcaster.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"rooms":       rooms,
		"members":     members,
		"connections": a.registry.Count(),
	})
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.registry.Each(func(c *state.Connection) {
		c.Transport.Close(errors.New("graceful shutdown"))
	})

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if a.bus != nil {
		a.bus.Close()
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
