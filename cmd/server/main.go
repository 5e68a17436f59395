package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sip-router/internal/config"
	"sip-router/internal/logger"
	"sip-router/internal/registry"
	"sip-router/internal/sip"
	"sip-router/internal/storage"
	"sip-router/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	defer log.Sync()

	store, err := storage.NewStorage(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("failed to initialize storage", logger.Error(err))
	}
	defer store.Close()
	log.Info("storage initialized", logger.String("db", cfg.Storage.DBPath))

	stack := sip.NewStack(cfg.SIP.UserAgent, log)

	registrar := registry.New(registry.Options{
		Store:               store,
		Provider:            stack,
		ExternAddr:          cfg.SIP.ExternAddr,
		UserAgent:           cfg.SIP.UserAgent,
		CheckExpiresMinutes: cfg.Registration.CheckExpiresMinutes,
		InitialDelay:        time.Duration(cfg.Registration.InitialDelaySeconds) * time.Second,
		Log:                 log,
	})

	webServer := web.NewServer(store, registrar, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting SIP stack", logger.String("addr", cfg.SIP.Listen))
		return stack.Run(gCtx, cfg.SIP.Listen, cfg.SIP.Transports)
	})

	g.Go(func() error {
		log.Info("starting web server", logger.String("addr", cfg.Web.Addr))
		return webServer.Run(gCtx, cfg.Web.Addr)
	})

	registrar.Start()
	defer registrar.Stop()

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("server shut down cleanly")
}
