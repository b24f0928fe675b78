package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bms-analytics/bmsforest/internal/config"
	"github.com/bms-analytics/bmsforest/internal/server"
	"github.com/bms-analytics/bmsforest/internal/store"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (YAML)")
	port := fs.Int("port", 0, "listen port, overrides http.port")
	watch := fs.Bool("watch", false, "reload the model file when it changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.HTTP.Port = *port
	}
	if *watch {
		cfg.HTTP.Watch = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog := setupLogging(cfg.Log, "server")
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Database.Path != "" {
		s, err := store.Open(ctx, cfg.Database.Path)
		if err != nil {
			return err
		}
		defer s.Close()
		opts = append(opts, server.WithRecorder(s))
	}

	srv, err := server.New(server.Config{
		Port:      cfg.HTTP.Port,
		Timeout:   cfg.HTTP.Timeout,
		CacheSize: cfg.HTTP.CacheSize,
		ModelPath: cfg.Model.Path,
		Watch:     cfg.HTTP.Watch,
	}, opts...)
	if err != nil {
		return err
	}
	if err := srv.LoadModel(); err != nil {
		logger.Warn("No model loaded, serving heuristic predictions", "error", err.Error(), log.ModelPathKey, cfg.Model.Path)
	}

	return srv.Run(ctx)
}
