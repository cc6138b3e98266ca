package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/engine"
	"funding_arb/internal/feed"
	"funding_arb/internal/history"
	"funding_arb/internal/infrastructure/concurrency"
	"funding_arb/internal/infrastructure/metrics"
	"funding_arb/internal/logging"
	"funding_arb/internal/mock"
	"funding_arb/internal/risk"
	"funding_arb/internal/trading/costs"
	"funding_arb/internal/trading/evaluate"
	"funding_arb/internal/trading/execlock"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/plan"
	"funding_arb/internal/trading/position"
	"funding_arb/internal/trading/rates"
	"funding_arb/internal/trading/rebalance"
	"funding_arb/internal/trading/twap"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("arbengine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// the logger's otelzap core binds to the global provider, so telemetry
	// comes up first
	tel, err := telemetry.Setup("arbengine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up telemetry: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting arbengine", "version", version)

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
	}

	dbPath := cfg.App.DatabasePath
	if dbPath == "" {
		dbPath = "arbengine.db"
	}
	store, err := history.NewStore(dbPath, 7*24*time.Hour, logger)
	if err != nil {
		logger.Error("Failed to open history store", "error", err, "path", dbPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Venue adapters are paper-trading simulations: exchange connectivity is
	// implemented out of tree against the internal/core interfaces.
	providers, adapters, spotVenues := buildPaperVenues(venueNames(cfg))
	logger.Info("Paper venues ready", "count", len(adapters))

	universe := rates.NewSymbolUniverse()
	if cfg.App.SymbolCachePath != "" {
		if err := universe.LoadCache(cfg.App.SymbolCachePath); err != nil {
			logger.Warn("Symbol cache unavailable, falling back to discovery",
				"path", cfg.App.SymbolCachePath, "error", err)
		}
	}
	if universe.Size() == 0 {
		if err := universe.Discover(ctx, providers, logger); err != nil {
			logger.Error("Symbol discovery failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("Symbol universe ready", "symbols", universe.Size())

	aggregator := rates.NewAggregator(providers, universe, rates.AggregatorConfig{
		BatchSize:            cfg.Scanner.BatchSize,
		BatchDelay:           cfg.Scanner.ScanBatchDelay(),
		FundingIntervalHours: cfg.Scanner.FundingIntervalHours,
		SpotBorrowRateHourly: decimal.NewFromFloat(cfg.Scanner.SpotBorrowRateHourly),
	}, logger)

	builder := plan.NewBuilder(adapters, feeSchedule(cfg), plan.Config{
		BalanceUsagePercent:        decimal.NewFromFloat(cfg.Strategy.BalanceUsagePercent),
		Leverage:                   decimal.NewFromFloat(cfg.Strategy.Leverage),
		MaxPositionSizeUSD:         decimal.NewFromFloat(cfg.Strategy.MaxPositionSizeUSD),
		MinPositionSizeUSD:         decimal.NewFromFloat(cfg.Strategy.MinPositionSizeUSD),
		MinOpenInterestUSD:         decimal.NewFromFloat(cfg.Strategy.MinOpenInterestUSD),
		MaxPositionToVolumePercent: decimal.NewFromFloat(cfg.Strategy.MaxPositionToVolumePercent),
		MaxBreakEvenHours:          decimal.NewFromFloat(cfg.Strategy.MaxBreakEvenHours),
		FundingIntervalHours:       cfg.Scanner.FundingIntervalHours,
	}, logger)

	evaluator := evaluate.NewEvaluator(store, store, evaluate.Config{
		MaxWorstCaseBreakEvenHours: decimal.NewFromFloat(cfg.Strategy.MaxBreakEvenHours),
		FundingIntervalHours:       cfg.Scanner.FundingIntervalHours,
	}, logger)

	locks := execlock.NewService(logger)
	executor := execution.NewExecutor(adapters, locks, execution.Config{}, logger)

	cooldowns := position.NewCooldownRegistry(
		time.Duration(cfg.Strategy.SingleLegCooldownMinutes) * time.Minute)
	aggregator.SetCooldownFilter(cooldowns)

	manager := position.NewManager(adapters, executor, locks, cooldowns, store, position.Config{
		YoungPositionGrace:   time.Duration(cfg.Strategy.YoungPositionGraceMinutes) * time.Minute,
		SevereNegativeSpread: decimal.NewFromFloat(cfg.Strategy.SevereNegativeSpread),
		SwitchCostMultiplier: decimal.NewFromFloat(cfg.Strategy.SwitchCostMultiplier),
	}, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "RiskScanPool",
		MaxWorkers: cfg.Risk.ScanPoolSize,
	}, logger)
	monitor := risk.NewMonitor(manager, pool, risk.Config{
		Interval:           time.Duration(cfg.Risk.CheckIntervalSeconds) * time.Second,
		EmergencyThreshold: decimal.NewFromFloat(cfg.Risk.EmergencyThreshold),
		WarningThreshold:   decimal.NewFromFloat(cfg.Risk.WarningThreshold),
		MaxCloseRetries:    cfg.Risk.MaxCloseRetries,
		DryRun:             cfg.Risk.DryRun,
	}, logger)

	var breaker *risk.LossBreaker
	if cfg.Risk.LossBreakerUSD > 0 {
		breaker = risk.NewLossBreaker(
			decimal.NewFromFloat(cfg.Risk.LossBreakerUSD),
			time.Duration(cfg.Risk.LossBreakerWindowMinutes)*time.Minute,
			time.Duration(cfg.Risk.LossBreakerCooldownMinutes)*time.Minute,
			logger)
	}

	var prices engine.PriceSource
	var priceFeed *feed.MarkPriceFeed
	if cfg.App.MarkPriceFeedURL != "" {
		cache := feed.NewPriceCache()
		prices = cache
		priceFeed = feed.NewMarkPriceFeed(cfg.App.MarkPriceFeedURL, cache, logger)
		for _, symbol := range universe.Symbols() {
			if err := priceFeed.SubscribeSymbol(symbol); err != nil {
				logger.Warn("Mark price subscription failed", "symbol", symbol, "error", err)
			}
		}
		priceFeed.Start()
		logger.Info("Mark price feed started", "url", cfg.App.MarkPriceFeedURL)
	}

	eng := engine.New(engine.Deps{
		Adapters:   adapters,
		Universe:   universe,
		Aggregator: aggregator,
		Builder:    builder,
		Evaluator:  evaluator,
		Executor:   executor,
		Manager:    manager,
		Breaker:    breaker,
		Recorder:   store,
		Prices:     prices,
		Slicer:     twap.NewOptimizer(nil, twapConstraints(cfg)),
	}, engine.Config{
		ScanInterval: time.Duration(cfg.Scanner.ScanIntervalSeconds) * time.Second,
		MinSpread:    decimal.NewFromFloat(cfg.Scanner.MinSpread),
		MaxPairs:     cfg.Strategy.MaxOpenPairs,
	}, logger)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(runCtx)
		return nil
	})
	if cfg.Rebalance.Enabled && len(spotVenues) > 0 {
		rebalancer := rebalance.NewRebalancer(spotVenues, locks, rebalance.Config{
			Tolerance:      decimal.NewFromFloat(cfg.Rebalance.ImbalancePercent / 100),
			MinTransferUSD: decimal.NewFromFloat(cfg.Rebalance.MinTransferUSD),
		}, logger)
		g.Go(func() error {
			rebalancer.Run(runCtx)
			return nil
		})
	}

	logger.Info("arbengine is running", "scan_interval_seconds", cfg.Scanner.ScanIntervalSeconds)
	_ = g.Wait()

	logger.Info("Shutting down")
	if priceFeed != nil {
		priceFeed.Stop()
	}
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("History store close failed", "error", err)
	}
	logger.Info("arbengine stopped")
}

// venueNames derives the venue set from the fee schedule, which is the one
// per-exchange section the config carries. Two simulated venues otherwise.
func venueNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Fees))
	for name := range cfg.Fees {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) < 2 {
		return []string{"alpha", "beta"}
	}
	return names
}

// twapConstraints maps the configured slicing bounds onto the optimizer's
// constraint set.
func twapConstraints(cfg *config.Config) twap.Constraints {
	return twap.Constraints{
		MaxBookUsage:     decimal.NewFromFloat(cfg.Twap.MaxBookUsagePercent / 100),
		MinSliceUSD:      decimal.NewFromFloat(cfg.Twap.MinSliceUSD),
		MaxSliceUSD:      decimal.NewFromFloat(cfg.Twap.MaxSliceUSD),
		MinSliceInterval: time.Duration(cfg.Twap.MinSliceIntervalSeconds) * time.Second,
		MaxSliceInterval: time.Duration(cfg.Twap.MaxSliceIntervalSeconds) * time.Second,
		FundingBuffer:    time.Duration(cfg.Twap.FundingBufferMinutes) * time.Minute,
	}
}

func feeSchedule(cfg *config.Config) *costs.FeeSchedule {
	out := make(map[string]costs.FeeRate, len(cfg.Fees))
	for name, fee := range cfg.Fees {
		out[name] = costs.FeeRate{
			Maker: decimal.NewFromFloat(fee.Maker),
			Taker: decimal.NewFromFloat(fee.Taker),
		}
	}
	return costs.NewFeeSchedule(out)
}

// buildPaperVenues creates simulated venues with seeded funding snapshots so
// the engine runs end to end without exchange credentials. Orders fill
// instantly and wallets start with the mock default balance.
func buildPaperVenues(names []string) (map[string]core.FundingProvider, map[string]core.Exchange, []rebalance.Venue) {
	seeds := []struct {
		symbol   string
		mark     float64
		baseRate float64
	}{
		{"BTCUSDT", 64000, 0.0001},
		{"ETHUSDT", 3200, -0.0002},
		{"SOLUSDT", 150, 0.0003},
	}

	providers := make(map[string]core.FundingProvider, len(names))
	adapters := make(map[string]core.Exchange, len(names))
	var venues []rebalance.Venue

	for i, name := range names {
		provider := mock.NewFundingProvider(name)
		perp := mock.NewExchange(name)
		spot := mock.NewSpotExchange(name)

		for _, s := range seeds {
			// venues disagree on the rate so spreads exist to arbitrage
			rate := decimal.NewFromFloat(s.baseRate + 0.0004*float64(i))
			mark := decimal.NewFromFloat(s.mark)
			provider.SetRate(s.symbol, rate, mark,
				decimal.NewFromInt(50_000_000), decimal.NewFromInt(200_000_000))
			perp.SetMarkPrice(s.symbol, mark)
			perp.SetBook(s.symbol,
				mark.Mul(decimal.NewFromFloat(0.9995)),
				mark.Mul(decimal.NewFromFloat(1.0005)))
		}

		providers[name] = provider
		adapters[name] = perp
		venues = append(venues, rebalance.Venue{Name: name, Perp: perp, Spot: spot})
	}
	return providers, adapters, venues
}
