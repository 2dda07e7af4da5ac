// OHLCV Ingestor CLI
// This application ingests OHLCV (Open, High, Low, Close, Volume) candles
// from BitMEX and KuCoin into a local time-series store, serves the stored
// series over HTTP and drives the exchanges' order endpoints.
//
// Usage:
//
//	ohlcv ingest --exchange bitmex --symbol XBTUSD --start 2024-01-01
//	ohlcv ingest --targets bitmex:XBTUSD,kucoin:BTC-USDT
//	ohlcv series --exchange bitmex --symbol XBTUSD --timeframe 1h --format csv
//	ohlcv instruments --exchange kucoin
//	ohlcv orders place --exchange bitmex --symbol XBTUSD --side buy --contracts 10
//	ohlcv serve
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/api"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/cache"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/ingest"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/storage"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "ohlcv"
	ConfigFile = "ohlcv.yaml"
	ConfigEnv  = "OHLCV_CONFIG"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// errUsage marks errors caused by bad command-line input.
var errUsage = errors.New("usage error")

// CLI represents the main CLI application
type CLI struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	metrics *metrics.Metrics
	repo    storage.SeriesRepository
	cache   *cache.SeriesCache
	out     io.Writer

	connectors map[string]exchange.Connector
}

// main is the entry point for the CLI application
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--help", "-h", "help":
		printUsage()
		os.Exit(ExitSuccess)
	case "--version", "-v", "version":
		fmt.Printf("%s v%s\n", AppName, Version)
		os.Exit(ExitSuccess)
	}

	if wantsHelp(args) {
		if !printCommandHelp(command) {
			fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
			printUsage()
			os.Exit(ExitUsageError)
		}
		os.Exit(ExitSuccess)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{out: os.Stdout}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		os.Exit(ExitConfigError)
	}

	err := cli.run(ctx, command, args)
	cli.close()

	code := exitCode(ctx, err)
	if err != nil && code != ExitInterrupt {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == ExitUsageError {
			fmt.Fprintf(os.Stderr, "Run '%s %s --help' for usage.\n", AppName, command)
		}
	}
	os.Exit(code)
}

func (cli *CLI) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "ingest":
		return cli.handleIngest(ctx, args)
	case "series":
		return cli.handleSeries(ctx, args)
	case "instruments":
		return cli.handleInstruments(ctx, args)
	case "orders":
		return cli.handleOrders(ctx, args)
	case "serve":
		return cli.handleServe(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

// exitCode maps a command error onto the process exit status.
func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return ExitSuccess
	}
	if ctx.Err() != nil {
		return ExitInterrupt
	}
	if errors.Is(err, errUsage) {
		return ExitUsageError
	}
	switch apperrors.Classify(err) {
	case apperrors.ErrorTypeValidation:
		return ExitUsageError
	case apperrors.ErrorTypeTransport, apperrors.ErrorTypeAuth:
		return ExitConnectionErr
	case apperrors.ErrorTypeCanceled:
		return ExitInterrupt
	default:
		return ExitDataError
	}
}

// initialize loads configuration and opens the shared resources every
// command needs. Connectors are built lazily since constructing one loads its
// instrument list over the network.
func (cli *CLI) initialize(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	cli.logger.Debug("configuration loaded", "config", cfg.String())

	if cfg.Metrics.Enabled {
		cli.metrics = metrics.New()
	}

	repo, err := storage.Open(cfg.Storage, logs.Component("storage"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	cli.repo = repo

	if cfg.Cache.Enabled {
		rdb, err := cache.NewRedisClient(ctx, cfg.Cache, logs.Component("cache"))
		if err != nil {
			// The store stays usable without its cache.
			cli.logger.Warn("series cache disabled", "error", err)
		} else {
			cli.cache = cache.NewSeriesCache(rdb, cfg.Cache.TTL, repo, cfg.Cache.Namespace, logs.Component("cache"))
		}
	}

	cli.connectors = make(map[string]exchange.Connector)
	return nil
}

func (cli *CLI) close() {
	if c, ok := cli.repo.(io.Closer); ok {
		if err := c.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	if cli.logs != nil {
		_ = cli.logs.Close()
	}
}

// configPath prefers $OHLCV_CONFIG, then ./ohlcv.yaml when present.
func configPath() string {
	if p := os.Getenv(ConfigEnv); p != "" {
		return p
	}
	if _, err := os.Stat(ConfigFile); err == nil {
		return ConfigFile
	}
	return ""
}

// exchangeConfig returns the config block of a supported exchange.
func (cli *CLI) exchangeConfig(name string) (config.ExchangeConfig, error) {
	switch strings.ToLower(name) {
	case "bitmex":
		return cli.config.Exchanges.Bitmex, nil
	case "kucoin":
		return cli.config.Exchanges.Kucoin, nil
	default:
		return config.ExchangeConfig{}, fmt.Errorf("%w: %s", ingest.ErrUnknownExchange, name)
	}
}

// connector builds, or returns the already built, connector of an exchange.
func (cli *CLI) connector(ctx context.Context, name string) (exchange.Connector, error) {
	key := strings.ToLower(name)
	if c, ok := cli.connectors[key]; ok {
		return c, nil
	}
	ecfg, err := cli.exchangeConfig(key)
	if err != nil {
		return nil, err
	}
	if !ecfg.Enabled {
		return nil, fmt.Errorf("%w: exchange %s is disabled in configuration", errUsage, key)
	}
	opts := exchange.OptionsFromConfig(ecfg, cli.logs.Component("exchange"), cli.metrics)
	c, err := exchange.New(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	cli.connectors[key] = c
	return c, nil
}

// enabledExchanges lists configured exchanges that are switched on.
func (cli *CLI) enabledExchanges() []string {
	var names []string
	if cli.config.Exchanges.Bitmex.Enabled {
		names = append(names, "bitmex")
	}
	if cli.config.Exchanges.Kucoin.Enabled {
		names = append(names, "kucoin")
	}
	return names
}

// newStore builds the time-series store over the named exchanges.
func (cli *CLI) newStore(ctx context.Context, names ...string) (*ingest.Store, error) {
	tf, err := models.ParseTimeframe(cli.config.Fetcher.Timeframe)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(names))
	var sources []ingest.Source
	for _, name := range names {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		c, err := cli.connector(ctx, key)
		if err != nil {
			return nil, err
		}
		sources = append(sources, c)
	}

	opts := []ingest.Option{
		ingest.WithTimeframe(tf),
		ingest.WithFetchTimeout(cli.config.Fetcher.FetchTimeout),
		ingest.WithRetryPolicy(apperrors.NewRetryPolicy(cli.config.Retry, cli.logs.Component("retry"))),
		ingest.WithMetrics(cli.metrics),
		ingest.WithLogger(cli.logs.Component("ingest")),
	}
	if cli.cache != nil {
		opts = append(opts, ingest.WithReadCache(cli.cache))
	}
	return ingest.NewStore(cli.repo, sources, opts...), nil
}

// handleIngest refreshes one series, or a batch of series through the
// collector pool.
func (cli *CLI) handleIngest(ctx context.Context, args []string) error {
	flags, err := parseIngestFlags(args)
	if err != nil {
		return err
	}

	var reqs []ingest.IngestRequest
	switch {
	case len(flags.Targets) > 0:
		reqs, err = collector.ParseTargets(flags.Targets, flags.Start, flags.End)
	case flags.Exchange != "" || flags.Symbol != "":
		if flags.Exchange == "" || flags.Symbol == "" {
			return fmt.Errorf("%w: --exchange and --symbol are required together", errUsage)
		}
		reqs = []ingest.IngestRequest{{Exchange: flags.Exchange, Symbol: flags.Symbol, Start: flags.Start, End: flags.End}}
	case len(cli.config.Collector.Symbols) > 0:
		reqs, err = collector.ParseTargets(cli.config.Collector.Symbols, flags.Start, flags.End)
	default:
		return fmt.Errorf("%w: nothing to ingest; pass --exchange/--symbol, --targets or set collector.symbols", errUsage)
	}
	if err != nil {
		return err
	}
	for i := range reqs {
		reqs[i].Timeframe = flags.Timeframe
	}

	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, r.Exchange)
	}
	store, err := cli.newStore(ctx, names...)
	if err != nil {
		return err
	}

	if len(reqs) == 1 {
		var res *ingest.IngestResult
		opCtx := logger.WithSymbol(logger.WithExchange(ctx, reqs[0].Exchange), reqs[0].Symbol)
		err := logger.TimedOperation(opCtx, cli.logger, "ingest", func() error {
			var err error
			res, err = store.Ingest(ctx, reqs[0])
			return err
		})
		if err != nil {
			return err
		}
		return outputJSON(cli.out, res)
	}

	pool := collector.NewPool(store, cli.config.Collector,
		collector.WithLogger(cli.logs.Component("collector")),
		collector.WithMetrics(cli.metrics))
	jobs, summary := pool.Run(ctx, reqs)
	if err := outputJSON(cli.out, struct {
		Summary collector.Summary `json:"summary"`
		Jobs    []*models.Job     `json:"jobs"`
	}{summary, jobs}); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d ingest jobs failed", summary.Failed, summary.Jobs)
	}
	return nil
}

// handleSeries prints a stored series.
func (cli *CLI) handleSeries(ctx context.Context, args []string) error {
	flags, err := parseSeriesFlags(args)
	if err != nil {
		return err
	}

	// The connector supplies the exchange's canonical name for the series key.
	store, err := cli.newStore(ctx, flags.Exchange)
	if err != nil {
		return err
	}
	tf := flags.Timeframe
	if tf == "" {
		tf = store.Timeframe()
	}
	series, err := store.GetSeriesAs(ctx, flags.Exchange, flags.Symbol, tf)
	if err != nil {
		return err
	}
	series = filterSeries(series, flags.Start, flags.End, flags.Limit)

	switch flags.Format {
	case "json":
		return outputJSON(cli.out, series)
	case "csv":
		return storage.WriteCSV(cli.out, series)
	default:
		return outputTable(cli.out, series)
	}
}

// handleInstruments lists the symbols an exchange trades.
func (cli *CLI) handleInstruments(ctx context.Context, args []string) error {
	flags, err := parseInstrumentsFlags(args)
	if err != nil {
		return err
	}
	c, err := cli.connector(ctx, flags.Exchange)
	if err != nil {
		return err
	}
	if !c.Session().InstrumentsLoaded() {
		return fmt.Errorf("instrument list for %s could not be loaded", c.Name())
	}
	instruments := c.Session().Instruments()
	if flags.Format == "json" {
		return outputJSON(cli.out, instruments)
	}
	for _, inst := range instruments {
		fmt.Fprintln(cli.out, inst.Symbol)
	}
	return nil
}

// handleOrders places, cancels or lists orders.
func (cli *CLI) handleOrders(ctx context.Context, args []string) error {
	flags, err := parseOrdersFlags(args)
	if err != nil {
		return err
	}
	c, err := cli.connector(ctx, flags.Exchange)
	if err != nil {
		return err
	}
	log := logger.FromContext(logger.WithExchange(ctx, c.Name()), cli.logger)

	switch flags.Action {
	case "place":
		status, err := c.PlaceOrder(ctx, flags.Order)
		if err != nil {
			return err
		}
		log.Info("order placed", "order_id", status.ID, "symbol", status.Symbol, "side", status.Side)
		return outputJSON(cli.out, status)

	case "cancel":
		// Each CLI run starts with an empty session registry, so the
		// exchange's open orders are adopted before cancelling by id.
		open, err := c.OpenOrders(ctx)
		if err != nil {
			return err
		}
		for _, o := range open {
			c.Session().TrackOrder(o)
		}
		ack, err := c.CancelOrder(ctx, flags.OrderID)
		if err != nil {
			return err
		}
		log.Info("orders cancelled", "count", len(ack.Cancelled))
		return outputJSON(cli.out, ack)

	default:
		open, err := c.OpenOrders(ctx)
		if err != nil {
			return err
		}
		return outputJSON(cli.out, open)
	}
}

// handleServe runs the HTTP API until interrupted.
func (cli *CLI) handleServe(ctx context.Context, args []string) error {
	flags, err := parseServeFlags(args)
	if err != nil {
		return err
	}
	httpCfg := cli.config.HTTP
	if flags.Addr != "" {
		httpCfg.Addr = flags.Addr
	}

	store, err := cli.newStore(ctx, cli.enabledExchanges()...)
	if err != nil {
		return err
	}

	var health storage.HealthChecker
	if hc, ok := cli.repo.(storage.HealthChecker); ok {
		health = hc
	}
	if cli.cache != nil {
		health = cli.cache
	}
	server := api.NewServer(httpCfg, store, health, cli.metrics, cli.config.Metrics.Path, cli.logs.Component("api"))
	if err := server.Run(ctx); err != nil {
		return err
	}
	cli.logger.Info("server stopped")
	return nil
}
