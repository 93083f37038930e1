package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lbc-team/cex-wallet-sub001/internal/addressindex"
	"github.com/lbc-team/cex-wallet-sub001/internal/alert"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain/evm"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain/failover"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain/solana"
	"github.com/lbc-team/cex-wallet-sub001/internal/config"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/confirmation"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/indexer"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/reorg"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/withdrawal"
	"github.com/lbc-team/cex-wallet-sub001/internal/store/postgres"
	redispkg "github.com/lbc-team/cex-wallet-sub001/internal/store/redis"
	"github.com/lbc-team/cex-wallet-sub001/internal/tracing"
)

const (
	serviceName       = "cex-wallet-indexer"
	adapterReachLimit = 15 * time.Second
)

type poolStatsProvider interface {
	PoolStats() postgres.PoolStats
}

func collectDBPoolStats(db poolStatsProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.PoolStats()
	metrics.DBPoolOpen.Set(float64(stats.Open))
	metrics.DBPoolInUse.Set(float64(stats.InUse))
	metrics.DBPoolIdle.Set(float64(stats.Idle))
	metrics.DBPoolWaitCount.Set(float64(stats.WaitCount))
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db poolStatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

// chainScope rejects ledger writes for chains this process does not run.
func chainScope(chains []config.ChainConfig) ledger.Authorizer {
	allowed := make(map[string]bool, len(chains))
	for _, ch := range chains {
		allowed[ch.Chain+"/"+ch.Network] = true
	}
	return ledger.AuthorizerFunc(func(_ context.Context, req ledger.WriteRequest) error {
		if req.Chain == "" {
			return nil
		}
		if !allowed[req.Chain.String()+"/"+req.Network.String()] {
			return fmt.Errorf("%s write for unconfigured chain %s/%s", req.Op, req.Chain, req.Network)
		}
		return nil
	})
}

func failoverConfig(ch config.ChainConfig) failover.Config {
	return failover.Config{
		Timeout:   time.Duration(ch.RPCTimeoutMs) * time.Millisecond,
		RateLimit: ch.RPCRateLimit,
		Burst:     ch.RPCBurst,
	}
}

// newAdapter dials the chain and fails when no endpoint answers.
func newAdapter(ctx context.Context, ch config.ChainConfig, tokens *addressindex.TokenRegistry, logger *slog.Logger) (chain.ChainAdapter, error) {
	var (
		adapter chain.ChainAdapter
		err     error
	)
	switch ch.Kind {
	case config.ChainKindEVM:
		adapter, err = evm.Dial(ctx, evm.Config{
			Chain:       model.Chain(ch.Chain),
			Network:     model.Network(ch.Network),
			NativeAsset: ch.NativeAsset,
			RPCURLs:     ch.RPCURLs,
			Failover:    failoverConfig(ch),
		}, logger, evm.WithTokenContracts(tokens.Contracts))
	case config.ChainKindSolana:
		adapter, err = solana.Dial(solana.Config{
			Chain:       model.Chain(ch.Chain),
			NativeAsset: ch.NativeAsset,
			RPCURLs:     ch.RPCURLs,
			Failover:    failoverConfig(ch),
		}, logger)
	default:
		err = fmt.Errorf("unknown chain kind %q", ch.Kind)
	}
	if err != nil {
		return nil, err
	}

	reachCtx, cancel := context.WithTimeout(ctx, adapterReachLimit)
	defer cancel()
	if _, err := adapter.GetTip(reachCtx, chain.CommitmentLatest); err != nil {
		return nil, fmt.Errorf("reach %s/%s: %w", ch.Chain, ch.Network, err)
	}
	return adapter, nil
}

type deps struct {
	db      *postgres.DB
	ledger  ledger.Gateway
	alerter alert.Alerter
	lease   func(model.Chain, model.Network) pipeline.Lease
	cfg     *config.Config
}

func buildPipeline(ctx context.Context, ch config.ChainConfig, d deps, logger *slog.Logger) (*pipeline.Pipeline, error) {
	c, n := model.Chain(ch.Chain), model.Network(ch.Network)
	indexOpts := []addressindex.Option{
		addressindex.WithTTL(d.cfg.AddressIndex.TTL),
		addressindex.WithFullReloadInterval(d.cfg.AddressIndex.FullReloadPeriod),
	}
	addresses := addressindex.NewAddressBook(postgres.NewWatchedAddressRepo(d.db), c, n, logger, indexOpts...)
	tokens := addressindex.NewTokenRegistry(postgres.NewTokenRepo(d.db), c, n, logger, indexOpts...)
	if err := tokens.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load tokens for %s/%s: %w", c, n, err)
	}

	adapter, err := newAdapter(ctx, ch, tokens, logger)
	if err != nil {
		return nil, err
	}

	engine := confirmation.New(adapter, d.ledger, confirmation.Config{
		Chain:           c,
		Network:         n,
		Depth:           ch.ConfirmationDepth,
		NetworkFinality: ch.NetworkFinality,
		CacheTTL:        time.Duration(ch.FinalityCacheTTLMs) * time.Millisecond,
	}, logger)

	resolver := reorg.New(adapter, d.ledger, reorg.Config{
		Chain:       c,
		Network:     n,
		StartHeight: ch.StartHeight,
		CheckDepth:  ch.ReorgCheckDepth,
		Commitment:  chain.Commitment(ch.ScanCommitment),
	}, logger, reorg.WithAlerter(d.alerter))

	scanner := indexer.New(adapter, d.ledger, resolver, addresses, tokens, indexer.Config{
		Chain:        c,
		Network:      n,
		StartHeight:  ch.StartHeight,
		BatchSize:    ch.ScanBatchSize,
		FetchWorkers: ch.FetchWorkers,
		Commitment:   chain.Commitment(ch.ScanCommitment),
		NativeAsset:  ch.DepositNativeAsset(),
		BulkLogScan:  ch.BulkLogScan,
	}, logger, indexer.WithTrigger(engine))

	tracker := withdrawal.New(adapter, d.ledger, engine, withdrawal.Config{
		Chain:   c,
		Network: n,
	}, logger, withdrawal.WithAlerter(d.alerter))

	opts := []pipeline.Option{pipeline.WithWithdrawals(tracker)}
	if d.lease != nil {
		opts = append(opts, pipeline.WithLease(d.lease(c, n)))
	}
	return pipeline.New(pipeline.Config{
		Chain:                c,
		Network:              n,
		PollInterval:         time.Duration(ch.PollIntervalMs) * time.Millisecond,
		ConfirmationInterval: time.Duration(ch.ConfirmationIntervalMs) * time.Millisecond,
		WithdrawalInterval:   time.Duration(ch.WithdrawalIntervalMs) * time.Millisecond,
		Alerter:              d.alerter,
	}, scanner, engine, logger, opts...), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	chainKeys := make([]string, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chainKeys = append(chainKeys, ch.Chain+"/"+ch.Network)
	}
	logger.Info("starting cex wallet indexer",
		"chains", chainKeys,
		"lease", cfg.Redis.URL != "",
		"tracing", cfg.Tracing.Endpoint != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:              cfg.DB.URL,
		MaxOpenConns:     cfg.DB.MaxOpenConns,
		MaxIdleConns:     cfg.DB.MaxIdleConns,
		ConnMaxLifetime:  cfg.DB.ConnMaxLifetime,
		StatementTimeout: cfg.DB.StatementTimeout,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	alerter := newAlerter(cfg.Alert, logger)
	gw := ledger.Retrying(
		ledger.Authorized(postgres.NewLedger(db), chainScope(cfg.Chains)),
		logger,
		ledger.WithRetryAttempts(cfg.Ledger.RetryAttempts),
		ledger.WithRetryBackoff(cfg.Ledger.RetryBackoff),
	)

	d := deps{db: db, ledger: gw, alerter: alerter, cfg: cfg}
	if cfg.Redis.URL != "" {
		client, err := redispkg.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		d.lease = func(c model.Chain, n model.Network) pipeline.Lease {
			return redispkg.NewLease(client, c, n, cfg.Redis.LeaseTTL)
		}
	}

	pipelines := make([]*pipeline.Pipeline, 0, len(cfg.Chains))
	healths := make([]*pipeline.Health, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		p, err := buildPipeline(ctx, ch, d, logger)
		if err != nil {
			logger.Error("failed to build chain pipeline", "chain", ch.Chain, "network", ch.Network, "error", err)
			os.Exit(1)
		}
		pipelines = append(pipelines, p)
		healths = append(healths, p.Health())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, pipeline.HealthHandler(healths...), logger)
	})

	for _, p := range pipelines {
		p := p
		g.Go(func() error {
			return p.Run(gCtx)
		})
	}

	startDBPoolStatsPump(gCtx, db, cfg.DB.PoolStatsInterval, logger)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("indexer shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, health http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
