package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// IngestFlags holds the parsed flags of the ingest command
type IngestFlags struct {
	Exchange  string
	Symbol    string
	Targets   []string
	Timeframe models.Timeframe
	Start     *time.Time
	End       *time.Time
}

// SeriesFlags holds the parsed flags of the series command
type SeriesFlags struct {
	Exchange  string
	Symbol    string
	Timeframe models.Timeframe
	Start     *time.Time
	End       *time.Time
	Limit     int
	Format    string
}

// InstrumentsFlags holds the parsed flags of the instruments command
type InstrumentsFlags struct {
	Exchange string
	Format   string
}

// OrdersFlags holds the parsed flags of the orders command
type OrdersFlags struct {
	Action   string // place, cancel, open
	Exchange string
	OrderID  string
	Order    exchange.OrderRequest
}

// ServeFlags holds the parsed flags of the serve command
type ServeFlags struct {
	Addr string
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// flagValue returns the value following args[i].
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%w: %s requires a value", errUsage, args[i])
	}
	return args[i+1], nil
}

// parseTime accepts a YYYY-MM-DD date or an RFC 3339 timestamp, both in UTC.
func parseTime(s string) (*time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid time %q, use YYYY-MM-DD or RFC 3339", errUsage, s)
}

func parseIngestFlags(args []string) (*IngestFlags, error) {
	flags := &IngestFlags{}

	for i := 0; i < len(args); i++ {
		v, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		switch args[i] {
		case "--exchange", "-x":
			flags.Exchange = v
		case "--symbol", "-s":
			flags.Symbol = v
		case "--targets", "-t":
			for _, t := range strings.Split(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					flags.Targets = append(flags.Targets, t)
				}
			}
		case "--timeframe", "-i":
			if flags.Timeframe, err = models.ParseTimeframe(v); err != nil {
				return nil, err
			}
		case "--start":
			if flags.Start, err = parseTime(v); err != nil {
				return nil, err
			}
		case "--end":
			if flags.End, err = parseTime(v); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
		}
		i++
	}

	if len(flags.Targets) > 0 && (flags.Exchange != "" || flags.Symbol != "") {
		return nil, fmt.Errorf("%w: --targets cannot be combined with --exchange/--symbol", errUsage)
	}
	return flags, nil
}

func parseSeriesFlags(args []string) (*SeriesFlags, error) {
	flags := &SeriesFlags{
		Limit:  0, // no limit
		Format: "table",
	}

	for i := 0; i < len(args); i++ {
		v, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		switch args[i] {
		case "--exchange", "-x":
			flags.Exchange = v
		case "--symbol", "-s":
			flags.Symbol = v
		case "--timeframe", "-i":
			if flags.Timeframe, err = models.ParseTimeframe(v); err != nil {
				return nil, err
			}
		case "--start":
			if flags.Start, err = parseTime(v); err != nil {
				return nil, err
			}
		case "--end":
			if flags.End, err = parseTime(v); err != nil {
				return nil, err
			}
		case "--limit", "-l":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: invalid limit value %q", errUsage, v)
			}
			flags.Limit = n
		case "--format", "-f":
			flags.Format = strings.ToLower(v)
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
		}
		i++
	}

	if flags.Exchange == "" || flags.Symbol == "" {
		return nil, fmt.Errorf("%w: --exchange and --symbol are required", errUsage)
	}
	switch flags.Format {
	case "table", "json", "csv":
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", errUsage, flags.Format)
	}
	return flags, nil
}

func parseInstrumentsFlags(args []string) (*InstrumentsFlags, error) {
	flags := &InstrumentsFlags{Format: "text"}

	for i := 0; i < len(args); i++ {
		v, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		switch args[i] {
		case "--exchange", "-x":
			flags.Exchange = v
		case "--format", "-f":
			flags.Format = strings.ToLower(v)
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
		}
		i++
	}

	if flags.Exchange == "" {
		return nil, fmt.Errorf("%w: --exchange is required", errUsage)
	}
	return flags, nil
}

func parseOrdersFlags(args []string) (*OrdersFlags, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: orders needs an action: place, cancel or open", errUsage)
	}
	flags := &OrdersFlags{Action: args[0]}
	switch flags.Action {
	case "place", "cancel", "open":
	default:
		return nil, fmt.Errorf("%w: unknown orders action %q", errUsage, flags.Action)
	}

	all := false
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--all" {
			all = true
			continue
		}
		v, err := flagValue(rest, i)
		if err != nil {
			return nil, err
		}
		switch rest[i] {
		case "--exchange", "-x":
			flags.Exchange = v
		case "--symbol", "-s":
			flags.Order.Symbol = v
		case "--side":
			flags.Order.Side = models.OrderSide(strings.ToUpper(v))
		case "--type":
			flags.Order.Type = models.OrderType(strings.ToUpper(v))
		case "--contracts", "-n":
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid contracts value %q", errUsage, v)
			}
			flags.Order.Contracts = d
		case "--price", "-p":
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid price value %q", errUsage, v)
			}
			flags.Order.Price = &d
		case "--tif":
			flags.Order.TimeInForce = v
		case "--id":
			flags.OrderID = v
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, rest[i])
		}
		i++
	}

	if flags.Exchange == "" {
		return nil, fmt.Errorf("%w: --exchange is required", errUsage)
	}
	switch flags.Action {
	case "place":
		if flags.Order.Type == "" {
			flags.Order.Type = models.OrderTypeMarket
		}
		if err := flags.Order.Validate(); err != nil {
			return nil, err
		}
	case "cancel":
		if all == (flags.OrderID != "") {
			return nil, fmt.Errorf("%w: cancel needs exactly one of --id or --all", errUsage)
		}
	}
	return flags, nil
}

func parseServeFlags(args []string) (*ServeFlags, error) {
	flags := &ServeFlags{}

	for i := 0; i < len(args); i++ {
		v, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		switch args[i] {
		case "--addr", "-a":
			flags.Addr = v
		default:
			return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
		}
		i++
	}
	return flags, nil
}

// filterSeries keeps candles inside [start, end] and then the last limit of them.
func filterSeries(s models.Series, start, end *time.Time, limit int) models.Series {
	out := make(models.Series, 0, len(s))
	for _, c := range s {
		if start != nil && c.Timestamp.Before(*start) {
			continue
		}
		if end != nil && c.Timestamp.After(*end) {
			continue
		}
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func outputTable(w io.Writer, s models.Series) error {
	if len(s) == 0 {
		_, err := fmt.Fprintln(w, "No candles found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "TIMESTAMP\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\t")
	for _, c := range s {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
			c.Timestamp.UTC().Format("2006-01-02 15:04"),
			truncateDecimal(c.Open.String(), 14),
			truncateDecimal(c.High.String(), 14),
			truncateDecimal(c.Low.String(), 14),
			truncateDecimal(c.Close.String(), 14),
			truncateDecimal(c.Volume.String(), 16))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d candles\n", len(s))
	return err
}

// truncateDecimal shortens a decimal string for display
func truncateDecimal(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if strings.Contains(s[:maxLen], ".") {
		return s[:maxLen]
	}
	return s
}

func printUsage() {
	fmt.Printf(`%s - OHLCV Ingestor CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    ingest        Fetch candles from an exchange into the local store
    series        Print a stored series
    instruments   List the symbols an exchange trades
    orders        Place, cancel or list orders
    serve         Serve stored series over HTTP

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Load today's XBTUSD minutes, or append new ones if the series exists
    %s ingest --exchange bitmex --symbol XBTUSD

    # Backfill KuCoin BTC-USDT from the start of the year
    %s ingest --exchange kucoin --symbol BTC-USDT --start 2024-01-01

    # Refresh several series concurrently
    %s ingest --targets bitmex:XBTUSD,kucoin:BTC-USDT

    # Print hourly candles as CSV
    %s series --exchange bitmex --symbol XBTUSD --timeframe 1h --format csv

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s, or the path in $%s (YAML or JSON)
    - Environment variables: OHLCV_* (e.g., OHLCV_STORAGE_BACKEND)

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName, ConfigFile, ConfigEnv, AppName)
}

// printCommandHelp prints help for one command and reports whether it exists.
func printCommandHelp(command string) bool {
	switch command {
	case "ingest":
		fmt.Printf(`%s ingest - Fetch candles into the local store

USAGE:
    %s ingest [options]

OPTIONS:
    --exchange, -x <name>      Exchange: bitmex or kucoin
    --symbol, -s <symbol>      Instrument symbol, e.g. XBTUSD, BTC-USDT
    --targets, -t <list>       Comma-separated exchange:SYMBOL list, ingested concurrently
    --timeframe, -i <tf>       Candle timeframe (default: fetcher.timeframe)
    --start <time>             Range start (YYYY-MM-DD or RFC 3339, UTC)
    --end <time>               Range end (YYYY-MM-DD or RFC 3339, UTC)
    --help, -h                 Show this help message

MODES:
    no stored series           initial load of [start, end], default today until now
    stored, no bounds          append candles newer than the last stored one
    stored, --start only       backfill from start up to the first stored candle
    stored, --start and --end  overwrite the series with that range

NOTES:
    - Without --exchange/--symbol/--targets, collector.symbols is ingested
    - A failed fetch never overwrites the stored series
`, AppName, AppName)

	case "series":
		fmt.Printf(`%s series - Print a stored series

USAGE:
    %s series [options]

OPTIONS:
    --exchange, -x <name>      Exchange (required)
    --symbol, -s <symbol>      Instrument symbol (required)
    --timeframe, -i <tf>       Resample to a coarser timeframe: 1m, 5m, 1h, 1d
    --start <time>             Only candles at or after this time
    --end <time>               Only candles at or before this time
    --limit, -l <n>            Keep only the last n candles
    --format, -f <format>      Output format: table, json, csv (default: table)
    --help, -h                 Show this help message
`, AppName, AppName)

	case "instruments":
		fmt.Printf(`%s instruments - List the symbols an exchange trades

USAGE:
    %s instruments --exchange <name> [--format text|json]
`, AppName, AppName)

	case "orders":
		fmt.Printf(`%s orders - Place, cancel or list orders

USAGE:
    %s orders place  --exchange <name> --symbol <symbol> --side buy|sell --contracts <n> [--type market|limit] [--price <p>] [--tif <tif>]
    %s orders cancel --exchange <name> (--id <order id> | --all)
    %s orders open   --exchange <name>

NOTES:
    - Credentials come from exchanges.<name>.api_key / api_secret (and passphrase for KuCoin)
    - Limit orders require --price
`, AppName, AppName, AppName, AppName)

	case "serve":
		fmt.Printf(`%s serve - Serve stored series over HTTP

USAGE:
    %s serve [--addr :8080]

ENDPOINTS:
    GET  /healthz
    GET  /metrics
    GET  /v1/series/:exchange/:symbol?timeframe=1h
    POST /v1/ingest
    GET  /v1/instruments/:exchange
`, AppName, AppName)

	default:
		return false
	}
	return true
}
