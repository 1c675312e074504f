package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/goevery/storefront/internal/auth"
	"github.com/goevery/storefront/internal/checkout"
	"github.com/goevery/storefront/internal/history"
	historymongo "github.com/goevery/storefront/internal/history/mongodb"
	"github.com/goevery/storefront/internal/notify"
	"github.com/goevery/storefront/internal/orders"
	"github.com/goevery/storefront/internal/server"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type App struct {
	logger      *zap.Logger
	settings    Settings
	credentials *auth.Credentials
	monitor     *notify.Monitor
	restServer  *server.RESTServer
	archive     history.Engine
}

func NewApp(logger *zap.Logger, settings Settings, archive history.Engine) *App {
	credentials := auth.NewCredentials(settings.JWTSecret)

	bus := notify.NewBus(logger)
	subscriptions := notify.NewSubscriptions(logger, bus)
	connection := notify.NewConnection(
		logger,
		notify.Config{URL: settings.NotificationsURL},
		bus,
		credentials,
		subscriptions,
	)

	var archiver notify.Archiver
	if archive != nil {
		archiver = history.NewArchiver(archive)
	}

	monitor := notify.NewMonitor(logger, notify.MonitorConfig{}, bus, connection, archiver)

	ordersClient := orders.NewClient(logger, settings.OrderServiceURL, credentials)
	checkoutService := checkout.NewService(logger, checkout.Config{}, ordersClient, monitor)

	restServer := server.NewRESTServer(
		logger,
		monitor,
		checkoutService,
	)

	return &App{
		logger,
		settings,
		credentials,
		monitor,
		restServer,
		archive,
	}
}

func (a *App) setup(ctx context.Context) error {
	if a.settings.BearerToken != "" {
		if err := a.credentials.SetToken(a.settings.BearerToken); err != nil {
			return fmt.Errorf("invalid bearer token: %w", err)
		}
	}

	if a.archive != nil {
		if err := a.archive.Setup(ctx); err != nil {
			return fmt.Errorf("archive setup: %w", err)
		}
	}

	if userId, ok := a.credentials.UserId(); ok {
		if err := a.monitor.Start(userId); err != nil {
			// The reconnect loop keeps trying; the indicator stays red
			// until a session is established.
			a.logger.Warn("initial notification connect failed", zap.Error(err))
		}
	} else {
		a.logger.Info("no credential configured, notifications start on first connect request")
	}

	a.startHttpServer(ctx)

	return nil
}

func (a *App) startHttpServer(ctx context.Context) {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-notifyCtx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCtxCancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Fatal("http server shutdown failed",
			zap.Error(err))
	}

	a.monitor.Stop()

	a.logger.Info("http server stopped")
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		panic(err)
	}

	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var archive history.Engine
	if settings.MongoURI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
		if err != nil {
			logger.Fatal("failed to connect to mongodb", zap.Error(err))
		}
		defer client.Disconnect(ctx)

		archive = historymongo.NewHistoryEngine(client)
	}

	app := NewApp(logger, settings, archive)

	err = app.setup(ctx)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}
}
