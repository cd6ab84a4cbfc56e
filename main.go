package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/firefart/dmarcremediator/internal/cloudflare"
	"github.com/firefart/dmarcremediator/internal/config"
	"github.com/firefart/dmarcremediator/internal/dns"
	"github.com/firefart/dmarcremediator/internal/metrics"
	"github.com/firefart/dmarcremediator/internal/pipeline"
	"github.com/firefart/dmarcremediator/internal/progress"
	"github.com/firefart/dmarcremediator/internal/report"
	"github.com/firefart/dmarcremediator/internal/scheduler"
	"github.com/firefart/dmarcremediator/internal/usermap"
	"github.com/firefart/dmarcremediator/internal/zones"
)

type cliOptions struct {
	configFile  string
	apply       bool
	limit       int
	domain      string
	noTrack     bool
	force       bool
	report      string
	debug       bool
	checkDNS    bool
	metricsAddr string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts cliOptions

	cmd := &cobra.Command{
		Use:          "dmarcremediator",
		Short:        "Rewrite SPF and DMARC TXT records across all Cloudflare zones",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.configFile, "config", "", "Config File to use (optional when CLOUDFLARE_API_TOKEN is set)")
	cmd.Flags().BoolVar(&opts.apply, "apply", false, "Write changes. Without this flag the run is a dry run")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Process at most this many domains, 0 means all")
	cmd.Flags().StringVar(&opts.domain, "domain", "", "Only process this domain")
	cmd.Flags().BoolVar(&opts.noTrack, "no-track", false, "Do not record settled domains in the tracking file")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Process --domain even if it is already tracked")
	cmd.Flags().StringVar(&opts.report, "report", "", "Report format: csv|json (overrides the config)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Print debug output")
	cmd.Flags().BoolVar(&opts.checkDNS, "check-dns", false, "Check whether the new records are visible on the public resolver")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. 127.0.0.1:9100")
	return cmd
}

func execute(ctx context.Context, opts cliOptions) error {
	if opts.force && opts.domain == "" {
		return errors.New("--force can only be used together with --domain")
	}
	if opts.limit < 0 {
		return errors.New("--limit must not be negative")
	}

	settings, err := config.Load(config.Defaults(), opts.configFile, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.report != "" {
		settings.ReportFormat = opts.report
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger, closeLog, err := newLogger(settings.LogFile, opts.debug)
	if err != nil {
		return err
	}
	defer closeLog()

	runID := ulid.Make().String()
	logger = logger.With(slog.String("run_id", runID))

	// trap Ctrl+C and call cancel on the context
	ctx, cancel := context.WithCancel(ctx)
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer func() {
		signal.Stop(c)
		cancel()
	}()

	go func() {
		select {
		case <-c:
			logger.Info("CTRL+C received, finishing the current batch")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, logger, runID, settings, opts); err != nil {
		logger.Error("run failed", slog.String("err", err.Error()))
		return err
	}
	return nil
}

// newLogger writes human readable output to a terminal and JSON everywhere
// else, including the optional log file.
func newLogger(logFile string, debug bool) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stdout
	closer := func() {}
	formatter := log.TextFormatter
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		formatter = log.JSONFormatter
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open log file %s: %w", logFile, err)
		}
		w = io.MultiWriter(os.Stdout, f)
		formatter = log.JSONFormatter
		closer = func() { _ = f.Close() }
	}

	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	handler := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Formatter:       formatter,
	})
	return slog.New(handler), closer, nil
}

func run(ctx context.Context, logger *slog.Logger, runID string, settings *config.Configuration, opts cliOptions) (retErr error) {
	dryRun := !opts.apply
	logger.Info("starting run", slog.Bool("dry_run", dryRun), slog.Int("workers", settings.Workers), slog.Int("batch_size", settings.BatchSize))

	if opts.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, opts.metricsAddr, logger); err != nil {
				logger.Error("metrics server failed", slog.String("err", err.Error()))
			}
		}()
	}

	transport := cloudflare.NewTransport(cloudflare.TransportConfig{
		Token:      settings.APIToken,
		Workers:    settings.Workers,
		MaxRetries: settings.MaxRetries,
		BaseDelay:  settings.RetryBaseDelay.Duration,
		MaxDelay:   settings.RetryMaxDelay.Duration,
	}, logger)
	client := cloudflare.NewClient(settings.APIBaseURL, transport, settings.ReadTimeout.Duration, settings.WriteTimeout.Duration)

	store, err := progress.Open(settings.TrackingBackend, settings.TrackingPath)
	if err != nil {
		return err
	}
	tracker, err := progress.NewTracker(store)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			retErr = multierror.Append(retErr, fmt.Errorf("could not close tracking store: %w", err))
		}
	}()
	logger.Info("loaded tracking file", slog.String("path", settings.TrackingPath), slog.Int("domains", tracker.Len()))

	users, err := usermap.Open(settings.UserMapPath)
	if err != nil {
		logger.Warn("user map unavailable, continuing without it", slog.String("err", err.Error()))
		users = usermap.Placeholder{}
	}

	proc := pipeline.New(client, users, pipeline.Options{
		DryRun:       dryRun,
		AuditComment: settings.AuditComment,
	}, logger)

	reportPath := report.Path(settings.ReportsDir, time.Now(), runID, settings.ReportFormat)
	sink, err := report.New(settings.ReportFormat, reportPath)
	if err != nil {
		return err
	}

	var schedOpts []scheduler.Option
	if opts.checkDNS {
		resolver := dns.NewCachedDNSResolver(settings.DnsServer, settings.DnsConnectTimeout.Duration, settings.DnsTimeout.Duration, settings.DnsCacheTimeout.Duration, logger)
		schedOpts = append(schedOpts, scheduler.WithAnnotator(resolver))
	}
	sched := scheduler.New(proc, tracker, sink, scheduler.Options{
		Workers:  settings.Workers,
		Cooldown: settings.Cooldown.Duration,
		Limit:    opts.limit,
		Track:    !opts.noTrack,
	}, logger, schedOpts...)

	var summary scheduler.Summary
	if opts.domain != "" {
		summary, err = runSingle(ctx, logger, client, sched, tracker, opts)
	} else {
		enumerator := zones.NewEnumerator(client, settings.BatchSize, logger)
		summary, err = sched.Run(ctx, enumerator)
	}

	logSummary(logger, summary, dryRun)
	if len(summary.Results) > 0 {
		logger.Info("report written", slog.String("path", sink.Path()))
	}
	return err
}

func runSingle(ctx context.Context, logger *slog.Logger, client *cloudflare.Client, sched *scheduler.Scheduler, tracker *progress.Tracker, opts cliOptions) (scheduler.Summary, error) {
	domain, err := dns.ValidateDomain(opts.domain)
	if err != nil {
		return scheduler.Summary{}, err
	}
	if org := dns.OrganizationalDomain(domain); org != domain {
		logger.Info("target is a subdomain", slog.String("domain", domain), slog.String("organizational_domain", org))
	}

	zone, err := client.ZoneByName(ctx, domain)
	if err != nil {
		if errors.Is(err, cloudflare.ErrZoneNotFound) {
			logger.Error("domain not found in the account", slog.String("domain", domain))
			return scheduler.Summary{}, nil
		}
		return scheduler.Summary{}, fmt.Errorf("could not look up %s: %w", domain, err)
	}

	var tracked pipeline.Tracked = tracker
	if opts.force {
		tracked = nil
	} else if tracker.Contains(domain) {
		logger.Info("domain already processed, use --force to run it again", slog.String("domain", domain))
	}
	return sched.RunBatch(ctx, []cloudflare.Zone{zone}, tracked)
}

func logSummary(logger *slog.Logger, summary scheduler.Summary, dryRun bool) {
	counts := make(map[string]int)
	for _, r := range summary.Results {
		counts["spf_"+r.SPF.Outcome.Label()]++
		counts["dmarc_"+r.DMARC.Outcome.Label()]++
	}
	attrs := []any{
		slog.Bool("dry_run", dryRun),
		slog.Int("pages", summary.Pages),
		slog.Int("dispatched", summary.Dispatched),
		slog.Int("results", len(summary.Results)),
		slog.Int("tracked", summary.Tracked),
	}
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		attrs = append(attrs, slog.Int(k, counts[k]))
	}
	logger.Info("run finished", attrs...)
}
