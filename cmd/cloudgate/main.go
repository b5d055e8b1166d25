// Command cloudgate serves multiple cloud-storage accounts as one
// HTTP/WebDAV file tree.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rolledback/cloudgate/internal/account"
	"github.com/rolledback/cloudgate/internal/box"
	"github.com/rolledback/cloudgate/internal/config"
	"github.com/rolledback/cloudgate/internal/dropbox"
	"github.com/rolledback/cloudgate/internal/gdrive"
	"github.com/rolledback/cloudgate/internal/handlers"
	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/media"
	"github.com/rolledback/cloudgate/internal/middleware"
	"github.com/rolledback/cloudgate/internal/onedrive"
	"github.com/rolledback/cloudgate/internal/provider"
	"github.com/rolledback/cloudgate/internal/settings"
	"github.com/rolledback/cloudgate/internal/youtube"
)

var (
	flagHost     string
	flagPort     string
	flagSettings string
	flagDev      bool
)

func main() {
	root := &cobra.Command{
		Use:   "cloudgate",
		Short: "Serve cloud storage accounts as one HTTP/WebDAV tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&flagHost, "host", "", "bind host (overrides CLOUDGATE_HOST)")
	root.Flags().StringVar(&flagPort, "port", "", "bind port (overrides CLOUDGATE_PORT)")
	root.Flags().StringVar(&flagSettings, "settings", "", "settings file (overrides CLOUDGATE_SETTINGS)")
	root.Flags().BoolVar(&flagDev, "dev", false, "development logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if flagHost != "" {
		cfg.ServerHost = flagHost
	}
	if flagPort != "" {
		cfg.ServerPort = flagPort
	}
	if flagSettings != "" {
		cfg.SettingsPath = flagSettings
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := provider.NewRegistry()
	registry.Register(gdrive.Factory{})
	registry.Register(onedrive.Factory{})
	registry.Register(dropbox.Factory{})
	registry.Register(box.Factory{})
	registry.Register(youtube.Factory{})

	client := httpx.New(httpx.Options{})
	store := settings.NewStore(cfg.SettingsPath)
	ffmpeg := &media.FFmpeg{}

	var manager *account.Manager
	handlerFactory := func(a *account.Account) []account.HandlerEntry {
		id := a.ID()
		return []account.HandlerEntry{
			{
				AccountID: id,
				Prefix:    "/remove/" + id,
				Handler:   handlers.NewRemoveHandler(manager, id),
			},
			{
				AccountID: id,
				Prefix:    "/" + id,
				Handler:   handlers.NewProxy(a, "/"+id, ffmpeg, logger),
			},
		}
	}
	manager = account.NewManager(account.Config{
		Registry: registry,
		Store:    store,
		Client:   client,
		Muxer:    ffmpeg,
		AuthData: cfg.AuthData,
		Handlers: handlerFactory,
		Logger:   logger,
	})
	if err := manager.Restore(); err != nil {
		logger.Warn("failed to restore accounts", zap.Error(err))
	}

	gateway := handlers.NewGateway(manager, handlers.NewHomeHandler(manager), logger)
	limiter := middleware.NewRateLimiter(rate.Limit(50), 100, logger)

	router := mux.NewRouter()
	router.PathPrefix("/static/").Handler(handlers.StaticHandler()).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/theme-toggle", handlers.ThemeHandler{}).Methods(http.MethodGet)
	router.Handle("/size", limiter.Limit(handlers.NewSizeHandler(manager, logger))).Methods(http.MethodGet)
	router.Handle("/auth/{provider}", limiter.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := provider.Kind(mux.Vars(r)["provider"])
		handlers.NewAuthHandler(manager, kind, logger).ServeHTTP(w, r)
	}))).Methods(http.MethodGet, http.MethodPost)
	router.PathPrefix("/").Handler(gateway)

	server := &http.Server{
		Addr:    cfg.ServerHost + ":" + cfg.ServerPort,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", server.Addr),
			zap.String("settings", cfg.SettingsPath),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	manager.Shutdown()
	logger.Info("stopped")
	return nil
}

func newLogger() (*zap.Logger, error) {
	if flagDev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
