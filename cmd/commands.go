package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-broadcast/internal/aggregator"
	"github.com/proxy-broadcast/internal/checker"
	"github.com/proxy-broadcast/internal/config"
	"github.com/proxy-broadcast/internal/dispatcher"
	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/observe"
	"github.com/proxy-broadcast/internal/proxynet"
	"github.com/proxy-broadcast/internal/storage"
	"github.com/proxy-broadcast/internal/types"
	"github.com/proxy-broadcast/internal/webhook"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const observerBuffer = 4096

type validateOptions struct {
	proxyFile string
	threads   int
	output    string
	progress  bool
}

type sendOptions struct {
	validateOptions
	message  string
	webhooks string
	rename   string
	rounds   int
	save     bool
}

func newValidateCommand() *cobra.Command {
	var opts validateOptions
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check which proxies in a list are working",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings := loadSettings(cfg)
			live, stats, err := runValidate(ctx, cfg, settings, opts, newRunMetrics(cfg))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d/%d proxies working (%.1f%%) in %v\n",
				stats.TotalLive, stats.TotalCandidates, stats.LivePercent, time.Duration(stats.DurationMs)*time.Millisecond)
			if opts.output != "" {
				return writeProxyList(opts.output, live)
			}
			for _, p := range live {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
	addValidateFlags(cmd, &opts)
	cmd.Flags().StringVar(&opts.output, "output", "", "write working proxies to this file instead of stdout")
	return cmd
}

func newSendCommand() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Validate proxies, then send the message to every webhook through each working proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings := loadSettings(cfg)
			if cmd.Flags().Changed("message") {
				settings.Payload = opts.message
			}
			if cmd.Flags().Changed("webhooks") {
				settings.Targets = opts.webhooks
			}
			if cmd.Flags().Changed("rounds") {
				settings.Rounds = opts.rounds
			}
			if opts.save {
				if err := dispatcher.CheckInput(settings.Rounds, aggregator.ParseTargets(settings.Targets)); err != nil {
					return err
				}
				if err := saveSettings(cfg, settings); err != nil {
					return err
				}
			}

			report, err := runSend(ctx, cfg, settings, opts, newRunMetrics(cfg))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	addValidateFlags(cmd, &opts.validateOptions)
	cmd.Flags().StringVar(&opts.message, "message", "", "message content (default: saved settings)")
	cmd.Flags().StringVar(&opts.webhooks, "webhooks", "", "comma-separated webhook URLs (default: saved settings)")
	cmd.Flags().StringVar(&opts.rename, "rename", "", "rename every webhook before sending")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 1, "number of times to send through each proxy")
	cmd.Flags().BoolVar(&opts.save, "save", false, "save message, webhooks and rounds as the new settings")
	return cmd
}

func addValidateFlags(cmd *cobra.Command, opts *validateOptions) {
	cmd.Flags().StringVar(&opts.proxyFile, "proxies", "", "proxy list file, one per line (default: saved settings)")
	cmd.Flags().IntVar(&opts.threads, "threads", 0, "number of concurrent checks or sends (default: config)")
	cmd.Flags().BoolVar(&opts.progress, "progress", true, "show a progress bar on stderr")
}

// newRunMetrics keeps metrics for a one-shot command in a private registry
func newRunMetrics(cfg *config.Config) *metrics.Collector {
	return metrics.NewCollector(cfg.Metrics.Namespace, prometheus.NewRegistry())
}

func candidates(settings *types.Settings, opts validateOptions) ([]types.ProxyAddress, error) {
	if opts.proxyFile == "" {
		if len(settings.Proxies) == 0 {
			return nil, fmt.Errorf("no proxy file given and no proxies saved in settings")
		}
		return settings.Proxies, nil
	}
	return aggregator.ReadProxyFile(opts.proxyFile)
}

func runValidate(ctx context.Context, cfg *config.Config, settings *types.Settings, opts validateOptions, m *metrics.Collector) ([]types.ProxyAddress, types.ValidationStats, error) {
	proxies, err := candidates(settings, opts)
	if err != nil {
		return nil, types.ValidationStats{}, err
	}

	concurrency := cfg.Validator.Concurrency
	if opts.threads > 0 {
		concurrency = opts.threads
	}

	sinks := observe.MultiProbe{observe.NewLogObserver(log.StandardLogger())}
	var bar *observe.ProgressObserver
	if opts.progress {
		bar = observe.NewProgressObserver(len(proxies), "Checking ", os.Stderr)
		sinks = append(sinks, bar)
	}
	events := observe.NewAsyncProbe("probe_events", observerBuffer, sinks, m)

	chk := checker.NewChecker(cfg.Validator, proxynet.NewFactory(cfg.Validator.InsecureSkipVerify), events, m)
	start := time.Now()
	results, err := chk.Probe(ctx, proxies, concurrency, cfg.Validator.ProbeURL, cfg.Validator.Timeout())
	events.Close()
	if bar != nil {
		// duplicates are probed once
		bar.SetTotal(int64(len(results)))
		bar.Finish()
	}
	if err != nil {
		return nil, types.ValidationStats{}, err
	}

	return checker.LiveAddresses(results), checker.Summarize(results, time.Since(start)), nil
}

// runSend renames the targets if asked, validates the proxies and
// dispatches through the live ones. A failed rename is logged and does not
// stop the broadcast. Rounds and targets are checked before any request.
//
// The log and progress observers drop events when their queue is full, so
// on large runs they can miss attempts; the returned report is complete.
func runSend(ctx context.Context, cfg *config.Config, settings *types.Settings, opts sendOptions, m *metrics.Collector) (*types.DispatchReport, error) {
	targets := aggregator.ParseTargets(settings.Targets)
	if len(targets) == 0 {
		return nil, types.InvalidInput("webhooks", "no webhook URLs given")
	}
	if err := dispatcher.CheckInput(settings.Rounds, targets); err != nil {
		return nil, err
	}

	if opts.rename != "" {
		renamer := webhook.NewRenamer(cfg.Dispatcher.Timeout())
		if failures := renamer.RenameAll(ctx, targets, opts.rename); len(failures) > 0 {
			log.Warnf("Rename failed for %d of %d webhooks, sending anyway", len(failures), len(targets))
		}
	}

	live, stats, err := runValidate(ctx, cfg, settings, opts.validateOptions, m)
	if err != nil {
		return nil, err
	}
	log.Infof("Found %d working proxies out of %d", stats.TotalLive, stats.TotalCandidates)
	if len(live) == 0 {
		return nil, fmt.Errorf("no working proxies found")
	}

	dispatchCfg := cfg.Dispatcher
	if opts.threads > 0 {
		dispatchCfg.Concurrency = opts.threads
	}

	sinks := observe.MultiAttempt{observe.NewLogObserver(log.StandardLogger())}
	var bar *observe.ProgressObserver
	if opts.progress {
		bar = observe.NewProgressObserver(settings.Rounds*len(live)*len(targets), "Sending ", os.Stderr)
		sinks = append(sinks, bar)
	}
	events := observe.NewAsyncAttempt("attempt_events", observerBuffer, sinks, m)
	defer func() {
		events.Close()
		if bar != nil {
			bar.Finish()
		}
	}()

	disp := dispatcher.NewDispatcher(dispatchCfg, proxynet.NewFactory(dispatchCfg.InsecureSkipVerify), events, m)
	return disp.Dispatch(ctx, live, targets, []byte(settings.Payload), settings.Rounds, dispatchCfg.Timeout())
}

func printReport(w io.Writer, report *types.DispatchReport) {
	fmt.Fprintf(w, "Sent %d messages in %v\n", report.Total(), report.Finished.Sub(report.Started).Round(time.Millisecond))
	for _, kind := range types.OutcomeKinds {
		fmt.Fprintf(w, "  %-16s %d\n", kind, report.Counts[kind])
	}
}

func writeProxyList(path string, proxies []types.ProxyAddress) error {
	var b strings.Builder
	for _, p := range proxies {
		b.WriteString(string(p))
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Infof("Saved %d working proxies to %s", len(proxies), path)
	return nil
}

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Save or show the stored message, webhooks and proxies",
	}

	var (
		message   string
		webhooks  string
		rounds    int
		proxyFile string
	)
	save := &cobra.Command{
		Use:   "save",
		Short: "Update the stored settings; unset flags keep their saved value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			settings := loadSettings(cfg)
			if cmd.Flags().Changed("message") {
				settings.Payload = message
			}
			if cmd.Flags().Changed("webhooks") {
				settings.Targets = webhooks
			}
			if cmd.Flags().Changed("rounds") {
				if rounds < 1 {
					return types.InvalidInput("rounds", "must be >= 1, got %d", rounds)
				}
				settings.Rounds = rounds
			}
			if proxyFile != "" {
				proxies, err := aggregator.ReadProxyFile(proxyFile)
				if err != nil {
					return err
				}
				settings.Proxies = proxies
			}
			if err := saveSettings(cfg, settings); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Settings saved")
			return nil
		},
	}
	save.Flags().StringVar(&message, "message", "", "message content")
	save.Flags().StringVar(&webhooks, "webhooks", "", "comma-separated webhook URLs")
	save.Flags().IntVar(&rounds, "rounds", 1, "number of times to send through each proxy")
	save.Flags().StringVar(&proxyFile, "proxies", "", "proxy list file to store")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(loadSettings(cfg))
		},
	}

	cmd.AddCommand(save, show)
	return cmd
}

func saveSettings(cfg *config.Config, settings *types.Settings) error {
	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open settings storage: %w", err)
	}
	defer store.Close()

	if err := store.Save(settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
