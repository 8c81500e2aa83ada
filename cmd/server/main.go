// Command server runs the inbox aggregator: it loads IMAP account
// credentials and catch-all domain configuration, wires the core
// Service, and serves the HTTP adapter described in spec.md §6.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inboxmux/aggregator/internal/catchall"
	"github.com/inboxmux/aggregator/internal/config"
	"github.com/inboxmux/aggregator/internal/httpapi"
	"github.com/inboxmux/aggregator/internal/registry"
	"github.com/inboxmux/aggregator/internal/service"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfgPath := os.Getenv("INBOXMUX_CONFIG")
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	appConfig, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	reg, err := registry.Load(
		os.Getenv("GMAIL_ACCOUNTS"),
		os.Getenv("OUTLOOK_ACCOUNTS"),
		os.Getenv("EMAIL_USER"),
		os.Getenv("EMAIL_PASSWORD"),
	)
	if err != nil {
		log.Fatalf("loading account registry: %v", err)
	}
	if len(reg.ListAccounts()) == 0 {
		log.Fatal("no IMAP accounts configured: set GMAIL_ACCOUNTS, OUTLOOK_ACCOUNTS, or EMAIL_USER/EMAIL_PASSWORD")
	}

	svc := service.New(service.Options{
		Registry:       reg,
		CatchallRouter: catchall.NewRouter(appConfig.Domains),
		DebounceWindow: appConfig.Debounce(),
		UltraFast:      appConfig.UltraFastProfile,
	})

	srv := &http.Server{
		Addr:              appConfig.ListenAddr,
		Handler:           httpapi.NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", appConfig.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	svc.Shutdown()
}
