package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/OverClawApp/releases-sub001/internal/billing"
	"github.com/OverClawApp/releases-sub001/internal/config"
	"github.com/OverClawApp/releases-sub001/internal/gateway"
	"github.com/OverClawApp/releases-sub001/internal/keypool"
	"github.com/OverClawApp/releases-sub001/internal/logging"
	"github.com/OverClawApp/releases-sub001/internal/ratelimit"
	"github.com/OverClawApp/releases-sub001/internal/registry"
	"github.com/OverClawApp/releases-sub001/internal/upstream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	reg, err := registry.FromConfig(cfg.Models, cfg.Routes)
	if err != nil {
		return fmt.Errorf("model catalog: %w", err)
	}
	keys := keypool.NewManager(keypool.Options{
		MaxSuffix: cfg.Keys.MaxSuffix,
		Cooldown:  cfg.Keys.Cooldown,
		Extra:     cfg.Keys.Extra,
	})
	queues := ratelimit.NewQueueManager(ratelimit.QueueOptions{
		Timeout:       cfg.Queue.Timeout,
		MinConcurrent: cfg.Queue.MinConcurrent,
		PerKey:        cfg.Queue.PerKey,
		KeyCount: func(provider string) int {
			return keys.Count(reg.ProviderKeyEnv(provider))
		},
	})

	ledger, closeLedger, err := openLedger(ctx, cfg.Billing)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger.Close(); err != nil {
			log.Warn().Err(err).Msg("close ledger")
		}
	}()

	client := upstream.NewHTTPClient(cfg.Upstream.DialTimeout)
	meter := billing.NewMeter(ledger, cfg.Billing.ReportTimeout, logging.Component(log, "billing"))
	classifier := upstream.NewTaskClassifier(client, keys, upstream.ClassifierOptions{
		BaseURL:  cfg.Classifier.BaseURL,
		Model:    cfg.Classifier.Model,
		KeyEnv:   cfg.Classifier.KeyEnv,
		Timeout:  cfg.Classifier.Timeout,
		MaxChars: cfg.Classifier.MaxChars,
	}, logging.Component(log, "classifier"))
	svc := upstream.NewRouterService(reg, keys, queues,
		[]upstream.Adapter{upstream.NewOpenAIAdapter(client), upstream.NewAnthropicAdapter(client)},
		meter,
		upstream.RouterConfig{
			MaxRetries:     cfg.Upstream.MaxRetries,
			RetryDelay:     cfg.Upstream.RetryDelay,
			RequestTimeout: cfg.Upstream.RequestTimeout,
		},
		logging.Component(log, "router"))

	limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	if limiter != nil {
		go sweepLimiter(ctx, limiter)
	}

	handler := gateway.NewRouter(gateway.Dependencies{
		Service:      svc,
		Classifier:   classifier,
		Registry:     reg,
		Keys:         keys,
		Ledger:       ledger,
		MinBalance:   cfg.Billing.MinBalance,
		UsageLimit:   cfg.Billing.UsageLimit,
		Limiter:      limiter,
		RouterStatus: svc,
		Usage:        meter,
		AdminToken:   cfg.Admin.Token,
		Log:          logging.Component(log, "http"),
	})

	logAvailability(log, reg, keys)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("billing", cfg.Billing.Backend).Msg("gateway listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown incomplete")
		}
	}
	meter.Wait()
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openLedger builds the configured ledger backend. The closer releases any
// connection it holds.
func openLedger(ctx context.Context, cfg config.BillingConfig) (billing.Ledger, io.Closer, error) {
	switch cfg.Backend {
	case "redis":
		l, err := billing.NewRedisLedger(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		if err := l.Seed(ctx, cfg.Accounts); err != nil {
			_ = l.Close()
			return nil, nil, fmt.Errorf("seed redis ledger: %w", err)
		}
		return l, l, nil
	case "supabase":
		l, err := billing.NewRESTLedger(cfg.Supabase, nil)
		if err != nil {
			return nil, nil, err
		}
		return l, nopCloser{}, nil
	default:
		return billing.NewMemoryLedger(cfg.Accounts), nopCloser{}, nil
	}
}

func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup(10 * time.Minute)
		}
	}
}

func logAvailability(log zerolog.Logger, reg *registry.Registry, keys *keypool.Manager) {
	available := reg.Available(keys)
	if len(available) == 0 {
		log.Warn().Msg("no provider credentials found; every chat request will fail with 503")
		return
	}
	ids := make([]string, 0, len(available))
	for _, m := range available {
		ids = append(ids, m.ID)
	}
	log.Info().Strs("models", ids).Msg("models available")
}
