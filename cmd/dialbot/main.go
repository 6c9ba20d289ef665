package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antoniostano/dialbot/internal/callstore"
	"github.com/antoniostano/dialbot/internal/config"
	"github.com/antoniostano/dialbot/internal/httpapi"
	"github.com/antoniostano/dialbot/internal/observability"
	"github.com/antoniostano/dialbot/internal/pipeline"
	"github.com/antoniostano/dialbot/internal/registry"
	"github.com/antoniostano/dialbot/internal/twilio"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		log.Fatalf("APP_PUBLIC_BASE_URL is required: the telephony provider must reach this service")
	}
	if strings.TrimSpace(cfg.TwilioAccountSID) == "" || strings.TrimSpace(cfg.TwilioAuthToken) == "" {
		log.Printf("warning: telephony credentials not set; outbound call placement will fail")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	records, err := callstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call store init failed: %v", err)
	}
	defer records.Close()

	gateway := twilio.NewClient(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		APIBaseURL: cfg.TwilioAPIBaseURL,
	})

	var provider pipeline.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.PipelineProvider)) {
	case "", "mock":
		provider = pipeline.NewMockProvider()
		log.Printf("pipeline provider: mock")
	default:
		log.Fatalf("invalid PIPELINE_PROVIDER: %q (expected mock)", cfg.PipelineProvider)
	}

	pending := registry.New(cfg.PendingConfigTTL)

	api := httpapi.New(cfg, gateway, pending, provider, metrics, records)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	pending.StartJanitor(runCtx, 30*time.Second)

	go func() {
		log.Printf("server listening on %s (public base %s)", cfg.BindAddr, cfg.PublicBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
