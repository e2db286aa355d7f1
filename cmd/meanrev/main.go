package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"meanrev/internal/app"
	"meanrev/internal/backtest"
	"meanrev/internal/config"
	"meanrev/internal/logger"

	"github.com/fsnotify/fsnotify"
)

const usage = `usage: meanrev [-config path] <command> [flags]

commands:
  backtest   replay cached bars through the strategy
  optimize   sweep a parameter grid over cached bars
  sync       fill the bar cache from the exchange
  import     load bars from a CSV file into the cache
  runs       list stored backtests
  live       run the strategy on a schedule
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("meanrev: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	root := flag.NewFlagSet("meanrev", flag.ContinueOnError)
	root.Usage = func() { fmt.Fprint(root.Output(), usage) }
	cfgFlag := root.String("config", "", "config file (default $MEANREV_CONFIG or "+config.DefaultPath+")")
	if err := root.Parse(args); err != nil {
		return err
	}
	if root.NArg() == 0 {
		root.Usage()
		return flag.ErrHelp
	}
	cfgPath := config.ResolvePath(*cfgFlag)
	cmd, rest := root.Arg(0), root.Args()[1:]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closer, err := logger.SetupFile(logger.FileOptions{
		Path:       cfg.App.LogPath,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded from %s (env=%s)", cfgPath, cfg.App.Env)

	switch cmd {
	case "backtest":
		return cmdBacktest(ctx, cfgPath, cfg, rest, out)
	case "optimize":
		return cmdOptimize(ctx, cfg, rest, out)
	case "sync":
		return cmdSync(ctx, cfg, rest)
	case "import":
		return cmdImport(ctx, cfg, rest)
	case "runs":
		return cmdRuns(ctx, cfg, rest, out)
	case "live":
		return cmdLive(ctx, cfg, rest)
	default:
		root.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// dateFlag parses YYYY-MM-DD (or RFC 3339) into a UTC time; empty leaves it zero.
type dateFlag struct{ t time.Time }

func (d *dateFlag) String() string {
	if d.t.IsZero() {
		return ""
	}
	return d.t.Format(time.DateOnly)
}

func (d *dateFlag) Set(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
}

func rangeFlags(fs *flag.FlagSet) (from, to *dateFlag) {
	from, to = &dateFlag{}, &dateFlag{}
	fs.Var(from, "from", "first bar date (YYYY-MM-DD)")
	fs.Var(to, "to", "last bar date (YYYY-MM-DD)")
	return from, to
}

func openApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	return a, nil
}

func cmdBacktest(ctx context.Context, cfgPath string, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	from, to := rangeFlags(fs)
	chart := fs.String("chart", "", "write an HTML report to this path")
	save := fs.Bool("save", false, "store the run in the result database")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	watch := fs.Bool("watch", false, "re-run whenever the config file changes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req := app.BacktestRequest{From: from.t, To: to.t, Save: *save, ChartPath: *chart}
	once := func(cfg *config.Config) error {
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.Backtest(ctx, req)
		if err != nil {
			return err
		}
		return printResult(out, res, *asJSON)
	}
	if err := once(cfg); err != nil && !*watch {
		return err
	} else if err != nil {
		logger.Errorf("backtest: %v", err)
	}
	if !*watch {
		return nil
	}
	return watchConfig(ctx, cfgPath, func(cfg *config.Config) {
		if err := once(cfg); err != nil {
			logger.Errorf("backtest: %v", err)
		}
	})
}

// watchConfig reloads cfgPath on every write and hands the new config to fn. Invalid edits are
// logged and skipped.
func watchConfig(ctx context.Context, cfgPath string, fn func(*config.Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return err
	}
	// editors replace the file, so watch the directory
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger.Infof("watching %s for changes", abs)

	const settle = 300 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || (!ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create)) {
				continue
			}
			pending = time.After(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("watch: %v", err)
		case <-pending:
			pending = nil
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Errorf("reload config: %v", err)
				continue
			}
			logger.Infof("config changed, re-running")
			fn(cfg)
		}
	}
}

func printResult(out io.Writer, res backtest.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	m := res.Metrics
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", res.RunID)
	fmt.Fprintf(tw, "symbol\t%s\n", res.Symbol)
	fmt.Fprintf(tw, "period\t%s .. %s\n", res.Start.Format(time.DateOnly), res.End.Format(time.DateOnly))
	fmt.Fprintf(tw, "final equity\t%.2f\n", m.FinalEquity)
	fmt.Fprintf(tw, "total return\t%.2f%%\n", m.TotalReturn*100)
	fmt.Fprintf(tw, "cagr\t%.2f%%\n", m.CAGR*100)
	fmt.Fprintf(tw, "sharpe\t%.2f\n", m.Sharpe)
	fmt.Fprintf(tw, "sortino\t%.2f\n", m.Sortino)
	fmt.Fprintf(tw, "max drawdown\t%.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(tw, "trades\t%d (win %.0f%%, pf %.2f)\n", m.Trades, m.WinRate*100, m.ProfitFactor)
	if res.Ignored > 0 {
		fmt.Fprintf(tw, "ignored signals\t%d\n", res.Ignored)
	}
	return tw.Flush()
}

func cmdOptimize(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("optimize", flag.ContinueOnError)
	from, to := rangeFlags(fs)
	grid := fs.String("grid", "", "parameter grid YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *grid == "" {
		return fmt.Errorf("optimize: -grid is required")
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	trials, err := a.Optimize(ctx, app.OptimizeRequest{GridPath: *grid, From: from.t, To: to.t})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "rank\tscore\treturn\tsharpe\tmax dd\ttrades\tparams")
	for i, tr := range trials {
		params, _ := json.Marshal(tr.Params)
		if tr.Err != "" {
			fmt.Fprintf(tw, "%d\t-\t-\t-\t-\t-\t%s (%s)\n", i+1, params, tr.Err)
			continue
		}
		fmt.Fprintf(tw, "%d\t%.4f\t%.2f%%\t%.2f\t%.2f%%\t%d\t%s\n", i+1, tr.Score,
			tr.Metrics.TotalReturn*100, tr.Metrics.Sharpe, tr.Metrics.MaxDrawdown*100, tr.Metrics.Trades, params)
	}
	return tw.Flush()
}

func cmdSync(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	from, to := rangeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if from.t.IsZero() {
		return fmt.Errorf("sync: -from is required")
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	_, err = a.Sync(ctx, from.t, to.t)
	return err
}

func cmdImport(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	path := fs.String("csv", "", "CSV file with time,open,high,low,close,volume[,vwap]")
	symbol := fs.String("symbol", "", "symbol to store the bars under (default strategy.symbol)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("import: -csv is required")
	}
	f, err := os.Open(*path)
	if err != nil {
		return err
	}
	defer f.Close()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	_, err = a.Import(ctx, *symbol, f)
	return err
}

func cmdRuns(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	runs, err := a.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tstatus\tperiod\treturn\tsharpe\tmax dd\ttrades")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s..%s\t%.2f%%\t%.2f\t%.2f%%\t%d\n", r.ID, r.Status,
			r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly), r.TotalReturn*100, r.Sharpe, r.MaxDrawdown*100, r.Trades)
	}
	return tw.Flush()
}

func cmdLive(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("live", flag.ContinueOnError)
	paper := fs.Bool("paper", false, "trade against the in-process paper venue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}
	return a.Live(ctx, app.LiveOptions{Paper: *paper})
}
