package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sammy180/onion-logger/internal/config"
	"github.com/sammy180/onion-logger/internal/csvlog"
	"github.com/sammy180/onion-logger/internal/device"
	"github.com/sammy180/onion-logger/internal/logging"
	"github.com/sammy180/onion-logger/internal/metrics"
	"github.com/sammy180/onion-logger/internal/notify"
	"github.com/sammy180/onion-logger/internal/record"
	"github.com/sammy180/onion-logger/internal/server"
	"github.com/sammy180/onion-logger/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Demo       bool
	ListenAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover devices and log their records",
		Long: `Run the logger service.

Every device matching the discovery pattern gets its own monitor. Frames are
decoded and appended to the database; the HTTP API, MQTT and CSV outputs are
enabled from the config file.

Example:
  onion-logger run --config /etc/onion-logger/config.yaml
  onion-logger run --demo --db /tmp/demo.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogger(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Demo, "demo", false, "run with simulated Onion boxes")
	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "override listen address (e.g. :8080)")

	return cmd
}

func runLogger(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Demo {
		cfg.Discovery.Mode = config.ModeDemo
	}
	if opts.ListenAddr != "" {
		cfg.Server.ListenAddr = opts.ListenAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cmd.ErrOrStderr(), "onion-logger", cfg.Log.Level, cfg.Log.Console && opts.Format == "text")
	if cfg.Path() != "" {
		logger.Info().Str("path", cfg.Path()).Msg("config loaded")
	} else {
		logger.Info().Str("path", opts.ConfigPath).Msg("config file not found, using defaults")
	}
	for _, f := range cfg.EnvFiles() {
		logger.Info().Str("path", f).Msg("env file applied")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runService(ctx, cfg, logger)
}

// runService wires the store, discovery and outputs together and blocks
// until ctx is cancelled or discovery fails to start.
func runService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	layout, unknown, err := cfg.Layout()
	if err != nil {
		return fmt.Errorf("channel layout: %w", err)
	}
	if len(unknown) > 0 {
		logger.Warn().Strs("names", unknown).Msg("unknown channel names, positions will be ignored")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().Str("path", cfg.Database.Path).Msg("store opened")

	metrics.RegisterMetrics()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	var (
		sinks      notify.Multi
		staleSinks []notify.StaleSink
	)

	csvLog := csvlog.New(cfg.CSV, logging.Component(logger, "csv"))
	defer csvLog.Close()
	sinks = append(sinks, csvLog)

	if cfg.MQTT.Broker != "" {
		client, err := notify.DialMQTT(notify.MQTTOptions{
			BrokerURL: cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			QoS:       byte(cfg.MQTT.QoS),
		})
		if err != nil {
			logger.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("mqtt disabled")
		} else {
			defer client.Close()
			mq := notify.NewMQTTSink(client, cfg.MQTT.TopicPrefix, logging.Component(logger, "mqtt"))
			sinks = append(sinks, mq)
			staleSinks = append(staleSinks, mq)
			goRun(func() { mq.Run(ctx) })
		}
	}

	lister, opener := discovery(cfg, layout)
	monLog := logging.Component(logger, "monitor")
	sup := device.NewSupervisor(device.SupervisorConfig{
		Lister:   lister,
		Interval: cfg.Discovery.Interval,
		Logger:   logging.Component(logger, "supervisor"),
		NewMonitor: func(path string) *device.Monitor {
			return device.NewMonitor(device.MonitorConfig{
				Path:          path,
				Opener:        opener,
				Store:         st,
				Layout:        layout,
				Sink:          sinks,
				SettleDelay:   cfg.Serial.SettleDelay,
				IdleBackoff:   cfg.Serial.IdleBackoff,
				MaxFrameBytes: cfg.Serial.MaxFrameBytes,
				Logger:        monLog,
			})
		},
	})

	if cfg.Server.Enabled {
		srv := server.New(cfg, st, sup, logging.Component(logger, "server"))
		sinks = append(sinks, srv)
		staleSinks = append(staleSinks, srv)
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server exited")
			}
		})
	}

	if cfg.Staleness.Enabled {
		wd := notify.NewWatchdog(notify.WatchdogConfig{
			Store:     st,
			Sinks:     staleSinks,
			Threshold: cfg.Staleness.Threshold,
			Interval:  cfg.Staleness.Interval,
			Logger:    logging.Component(logger, "staleness"),
		})
		goRun(func() { wd.Run(ctx) })
	}

	logger.Info().
		Str("mode", cfg.Discovery.Mode).
		Str("pattern", cfg.Discovery.Pattern).
		Dur("interval", cfg.Discovery.Interval).
		Msg("onion-logger starting")

	err = sup.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

// discovery picks the device lister and opener for the configured mode.
// Simulated boxes emit their fields in the decoder's layout order.
func discovery(cfg *config.Config, layout record.Layout) (device.Lister, device.Opener) {
	switch cfg.Discovery.Mode {
	case config.ModeDemo:
		return device.DemoLister(cfg.Discovery.DemoBoxes), device.DemoOpener{
			Interval:    cfg.Discovery.DemoInterval,
			ReadTimeout: cfg.Serial.ReadTimeout,
			Order:       layout.Names(),
		}
	case config.ModeSerial:
		return device.PortsLister{Pattern: cfg.Discovery.Pattern}, serialOpener(cfg)
	default:
		return device.GlobLister{Pattern: cfg.Discovery.Pattern}, serialOpener(cfg)
	}
}

func serialOpener(cfg *config.Config) device.Opener {
	return device.SerialOpener{
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}
}
