package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/open-notebook/vmgate/internal/compute"
	"github.com/open-notebook/vmgate/internal/config"
	"github.com/open-notebook/vmgate/internal/server"
	"github.com/open-notebook/vmgate/pkg/log"
)

func main() {
	fs := pflag.NewFlagSet("vmgated", pflag.ExitOnError)
	configPath := fs.String("config", "", "Path to the config file (default ~/.vmgate/config.yaml).")
	addr := fs.String("addr", "", "Listen address, overriding the config file.")
	logOpts := log.NewOptions()
	logOpts.AddFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmgated: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if fs.Changed("log.level") || fs.Changed("log.format") {
		cfg.Log = *logOpts
	}

	log.Init(&cfg.Log)
	defer log.Sync()
	logger := log.Default().WithName("vmgated")

	if err := cfg.Validate(); err != nil {
		logger.Error(err, "invalid configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gce, err := compute.NewGCEClient(ctx, cfg.VM.ToAPI(), logger.WithName("compute"))
	if err != nil {
		logger.Error(err, "creating compute client")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.New(gce, cfg.VM.ToAPI(), logger.WithName("server")).Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.API.Addr,
			"project", cfg.VM.Project, "zone", cfg.VM.Zone, "vm", cfg.VM.Name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "shutdown")
	}
}
