package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tollgate/cmd/server/config"
	"tollgate/internal/gateway"
	"tollgate/internal/httpapi"
	"tollgate/internal/journal"
	"tollgate/internal/observability"
	"tollgate/internal/realtime"
	"tollgate/internal/recon"

	"github.com/joho/godotenv"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	webhookCfg, err := config.LoadWebhook()
	if err != nil {
		return err
	}
	if webhookCfg.Secret == "" {
		log.Println("WARNING: WEBHOOK_SECRET not set, webhook signatures will NOT be verified")
	}

	gatewayCfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	gw, err := buildGateway(gatewayCfg)
	if err != nil {
		return err
	}

	store, orders, cleanupStores := recon.BuildStores(ctx, os.Getenv("DATABASE_URL"), log.Printf)
	defer cleanupStores()

	journalStore, cleanupJournal, err := buildJournal(ctx)
	if err != nil {
		return err
	}
	defer cleanupJournal()

	metrics := observability.NewMetrics()

	hub := realtime.NewHub()
	go hub.Run()

	opts := []recon.Option{
		recon.WithBroadcaster(hub),
		recon.WithNotificationSink(recon.LogSink{}),
		recon.WithJournal(observability.NewCountingJournal(wrapJournal(journalStore), metrics)),
		recon.WithReturnURLs(gatewayCfg.CallbackURL, gatewayCfg.RedirectURL),
	}
	service := recon.NewService(store, orders, gw, opts...)

	pollerCfg, err := config.LoadPoller()
	if err != nil {
		return err
	}
	poller := recon.NewPoller(service, recon.PollerConfig{
		Interval:    pollerCfg.Interval,
		GracePeriod: pollerCfg.GracePeriod,
		BatchLimit:  pollerCfg.BatchLimit,
	}, log.Printf)
	go poller.Run(ctx)

	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	limiter := newIngressRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst, metrics.AddRateLimitWait)

	api := httpapi.NewServer(httpapi.Config{
		Service:       service,
		Hub:           hub,
		Metrics:       metrics,
		Limiter:       limiter,
		WebhookSecret: webhookCfg.Secret,
	})
	srv := &http.Server{
		Addr:    httpCfg.Addr,
		Handler: api.Handler(),
	}

	obsSrv, err := startObservabilityServer(metrics)
	if err != nil {
		return err
	}

	log.Printf("payment server listening on %s", httpCfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		if obsSrv != nil {
			obsCtx, cancelObs := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelObs()
			_ = obsSrv.Shutdown(obsCtx)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildGateway selects the real HTTP gateway when a base URL is configured,
// otherwise the in-memory sandbox gateway. Either way the client is wrapped
// with retry and circuit breaking.
func buildGateway(cfg config.GatewayConfig) (gateway.Client, error) {
	var base gateway.Client
	if cfg.BaseURL != "" {
		client, err := gateway.NewHTTPClient(gateway.HTTPConfig{
			BaseURL:      cfg.BaseURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Timeout:      cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		base = client
	} else {
		log.Println("GATEWAY_BASE_URL not set, using in-memory sandbox gateway")
		base = gateway.NewInMemoryClient()
	}

	breaker := gateway.NewCircuitBreaker(gateway.CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 10 * time.Second,
	})
	return gateway.NewReliableClient(base, nil, breaker, recon.DefaultRetryPolicy()), nil
}

// wrapJournal keeps the typed nil out of the Recorder interface when the
// journal is disabled.
func wrapJournal(j *journal.RedisJournal) observability.Recorder {
	if j == nil {
		return nil
	}
	return j
}

func startObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv, nil
}
