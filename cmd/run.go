package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookget/capture/internal/channel"
	"github.com/bookget/capture/internal/config"
	"github.com/bookget/capture/internal/coordinator"
	"github.com/bookget/capture/internal/metrics"
	"github.com/bookget/capture/internal/mirror"
	"github.com/bookget/capture/internal/output"
	"github.com/bookget/capture/internal/policy"
	"github.com/bookget/capture/internal/retriever"
	"github.com/bookget/capture/internal/surface"
	"github.com/bookget/capture/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type runOptions struct {
	mode         string
	maxDownloads int
	downloadDir  string
	urlList      string
	startURL     string
	metricsAddr  string
	browser      bool
	headless     bool
	listen       bool
	captureDelay time.Duration
}

func parseMode(mode string) (utils.DownloadMode, error) {
	for _, m := range []utils.DownloadMode{utils.ListDriven, utils.AutoIntercept, utils.SharedMemoryDriven} {
		if m.String() == mode || fmt.Sprint(int(m)) == mode {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q (use list, auto or shared)", mode)
}

func (o runOptions) apply(cmd *cobra.Command, settings *config.Settings) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		mode, err := parseMode(o.mode)
		if err != nil {
			return err
		}
		settings.Global.DownloaderMode = int(mode)
	}
	if flags.Changed("max") {
		if o.maxDownloads < 0 {
			return fmt.Errorf("--max must not be negative")
		}
		settings.Global.MaxDownloads = o.maxDownloads
	}
	if flags.Changed("dir") {
		settings.Global.DownloadDir = o.downloadDir
	}
	if flags.Changed("list") {
		settings.Global.URLList = o.urlList
	}
	if flags.Changed("start") {
		settings.Global.StartURL = o.startURL
	}
	return nil
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [--mode list|auto|shared]",
		Short: "Start a capture run",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCapture(cmd, opts); err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Download mode: list, auto or shared")
	cmd.Flags().IntVar(&opts.maxDownloads, "max", 0, "Maximum number of downloads for this run")
	cmd.Flags().StringVarP(&opts.downloadDir, "dir", "d", "", "Download directory")
	cmd.Flags().StringVarP(&opts.urlList, "list", "l", "", "URL list for list mode (one URL per line)")
	cmd.Flags().StringVarP(&opts.startURL, "start", "s", "", "First page to open in auto mode")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (eg. :9090)")
	cmd.Flags().BoolVar(&opts.browser, "browser", false, "Drive a Chrome tab instead of the built-in fetch surface")
	cmd.Flags().BoolVar(&opts.headless, "headless", true, "Run Chrome headless (with --browser)")
	cmd.Flags().BoolVar(&opts.listen, "listen", false, "Attach to the shared channel outside shared mode")
	cmd.Flags().DurationVar(&opts.captureDelay, "capture-delay", 1500*time.Millisecond, "Time to let a page settle before collecting bodies (with --browser)")
	return cmd
}

func runCapture(cmd *cobra.Command, opts runOptions) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, settings); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if opts.metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, opts.metricsAddr); err != nil {
				log.Error().Str("op", "cmd/run").Err(err).Msg("Metrics endpoint stopped")
			}
		}()
	}

	env := coordinator.NewEnv(settings, m)
	p := policy.New(policy.WithSitePatterns(settings.InterceptPatterns()))
	tracker := output.NewManager(os.Stdout)
	coordOpts := []coordinator.Option{
		coordinator.WithPolicy(p),
		coordinator.WithReporter(tracker),
	}

	if settings.Mode() == utils.SharedMemoryDriven || opts.listen {
		ch, err := channel.Open(channel.Options{
			Name:        settings.Global.ChannelName,
			Dir:         settings.ResolvePath(settings.Global.ChannelDir),
			PID:         env.PID,
			LockTimeout: utils.ChannelLockTimeout,
		})
		if err != nil {
			return fmt.Errorf("error opening shared channel: %w", err)
		}
		defer ch.Close()
		coordOpts = append(coordOpts, coordinator.WithChannel(ch))
	}

	if settings.Global.Mirror.Bucket != "" {
		mr, err := mirror.New(ctx, settings.Global.Mirror)
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, coordinator.WithMirror(mr))
	}

	c := coordinator.New(env, coordOpts...)
	if opts.browser {
		chrome, err := surface.NewChrome(ctx, surface.ChromeOptions{
			Headless:     opts.headless,
			UserAgent:    settings.RetrieverConfig().UserAgent,
			CaptureDelay: opts.captureDelay,
		}, c, p)
		if err != nil {
			return err
		}
		defer chrome.Close()
		c.Attach(chrome)
	} else {
		r := retriever.New(settings.RetrieverConfig())
		c.Attach(surface.NewFetch(r, c, utils.ParseHeaderArgs(headers)))
	}

	output.PrintHeader(fmt.Sprintf("Capturing in %s mode to %s", settings.Mode(), settings.ResolvePath(settings.Global.DownloadDir)))
	tracker.StartDisplay()
	if err := c.Start(ctx); err != nil {
		tracker.StopDisplay()
		return err
	}
	select {
	case <-c.Done():
	case <-ctx.Done():
		output.PrintWarning("Interrupted, stopping run")
	}
	c.Stop()
	tracker.StopDisplay()

	if _, failed, _ := tracker.Totals(); failed > 0 {
		return fmt.Errorf("run %s finished with %d failed download(s)", c.RunID(), failed)
	}
	return nil
}
