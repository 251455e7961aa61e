package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"archivecrawler/internal/config"
	"archivecrawler/internal/crawler"
	"archivecrawler/pkg/types"
)

type options struct {
	configPath  string
	since       string
	until       string
	lookback    string
	check       bool
	showBrowser bool
	logLevel    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "archive-crawler",
		Short: "Backfill historical documents from an infinite-scroll archive",
		Long: `Scrolls every configured archive section in a real browser to enumerate
article URLs within a date window, fetches and classifies the articles that
are not already exported, and appends them to per-category JSONL files.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "configs/ecb.yaml", "path to the YAML configuration")
	flags.StringVar(&opts.since, "since", "", "window start date (YYYY-MM-DD); defaults to until minus lookback")
	flags.StringVar(&opts.until, "until", "", "window end date (YYYY-MM-DD); defaults to now")
	flags.StringVar(&opts.lookback, "lookback", "", "window length when --since is omitted, e.g. 90d (overrides crawl.lookback)")
	flags.BoolVar(&opts.check, "check", false, "only run the health check")
	flags.BoolVar(&opts.showBrowser, "show-browser", false, "run the browser with a visible window")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.showBrowser {
		cfg.Rendering.DisableHeadless = true
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	engine, err := crawler.NewEngine(*cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise engine: %w", err)
	}
	defer engine.Close()

	ctx := cmd.Context()
	if opts.check {
		if err := engine.HealthCheck(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "health check passed")
		return nil
	}

	lookback := cfg.Crawl.Lookback
	if opts.lookback != "" {
		if err := lookback.UnmarshalText([]byte(opts.lookback)); err != nil {
			return fmt.Errorf("invalid --lookback: %w", err)
		}
	}
	window, err := resolveWindow(time.Now().UTC(), opts.since, opts.until, lookback.Duration)
	if err != nil {
		return err
	}

	summary, err := engine.Run(ctx, window)
	printSummary(cmd, summary)
	if errors.Is(err, context.Canceled) {
		cmd.PrintErrln("interrupted; documents fetched so far were exported")
		return err
	}
	if err != nil {
		return fmt.Errorf("crawler stopped with error: %w", err)
	}
	return nil
}

// resolveWindow turns the date flags into a UTC window ending at until (or
// now) and starting at since (or midnight of the day lookback before the end).
func resolveWindow(now time.Time, since, until string, lookback time.Duration) (types.Window, error) {
	end := now.UTC()
	if until != "" {
		t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(until), time.UTC)
		if err != nil {
			return types.Window{}, fmt.Errorf("invalid --until: %w", err)
		}
		end = t
	}
	w := types.LookbackWindow(end, lookback)
	if since != "" {
		t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(since), time.UTC)
		if err != nil {
			return types.Window{}, fmt.Errorf("invalid --since: %w", err)
		}
		w.Start = t
	}
	if err := w.Validate(); err != nil {
		return types.Window{}, err
	}
	return w, nil
}

func printSummary(cmd *cobra.Command, s crawler.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %s to %s\n", s.RunID, s.Window.Start.Format(time.DateOnly), s.Window.End.Format(time.DateOnly))
	categories := make([]string, 0, len(s.Counts))
	for c := range s.Counts {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	for _, c := range categories {
		cat := types.Category(c)
		fmt.Fprintf(out, "  %-14s %5d  %s\n", c, s.Counts[cat], s.Paths[cat])
	}
	fmt.Fprintf(out, "Total new documents: %d (discovered %d, already known %d, empty %d)\n",
		s.Total(), s.Stats.Discovered, s.Stats.SkippedKnown, s.Stats.Empty)
}
