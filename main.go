package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"QTSW2/api"
	"QTSW2/config"
	"QTSW2/engine"
	"QTSW2/execution"
	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/market"
	"QTSW2/metrics"
	"QTSW2/notify"
	"QTSW2/store"
	"QTSW2/timeservice"
)

var (
	flagConfig = pflag.StringP("config", "c", "config.yaml", "app config file")
	flagDryRun = pflag.Bool("dry-run", false, "force the simulated execution adapter")
)

func main() {
	root := &cobra.Command{
		Use:          "qtsw",
		Short:        "Intraday futures breakout engine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().AddFlagSet(pflag.CommandLine)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	if *flagDryRun {
		cfg.DryRun = true
	}
	if err := logger.Init(cfg.LogDir, cfg.LogLevel); err != nil {
		return err
	}

	runID := uuid.NewString()
	logger.Infof("starting run %s (account %s, dry_run=%v)", runID, cfg.Account, cfg.DryRun)

	events, err := logger.NewEventWriter(cfg.LogDir, runID)
	if err != nil {
		return err
	}
	notifier := notify.New(runID, buildSinks()...)

	ts, err := timeservice.New(cfg.MarketTimezone)
	if err != nil {
		return err
	}

	// Execution policy is fail-closed: any validation error refuses to start.
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		events.Emit(logger.Event{
			Event: "execution_policy_validation_failed", Level: logger.LevelCritical,
			Data: map[string]interface{}{"error": err.Error()},
		})
		notifier.Alert(notify.EventExecutionPolicyValidation, err.Error(), notify.SeverityEmergency)
		return err
	}

	queue := execution.NewQueue(4096)
	var adapter execution.Adapter
	if cfg.DryRun {
		logger.Infof("dry run: simulated execution adapter")
		adapter = execution.NewSimAdapter(queue)
	} else {
		// No live broker adapter is linked in this build; the engine runs
		// against the simulator until one is wired in deployment.
		logger.Warnf("no live broker adapter configured, using simulator")
		adapter = execution.NewSimAdapter(queue)
	}

	var st *store.Store
	if cfg.StorePath != "" {
		st, err = store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	var hist *market.HistoricalClient
	if cfg.HistoricalBarsURL != "" {
		hist = market.NewHistoricalClient(cfg.HistoricalBarsURL)
	}

	opts := engine.Options{
		Config:     cfg,
		Policy:     policy,
		Time:       ts,
		Adapter:    adapter,
		Queue:      queue,
		Exec:       journal.NewExecutionJournal(cfg.StateDir),
		StreamJ:    journal.NewStreamJournal(cfg.StateDir),
		Hyd:        journal.NewHydrationLog(cfg.StateDir),
		Events:     events,
		Notifier:   notifier,
		Registry:   engine.NewInstanceRegistry(cfg.StateDir + "/registry"),
		Kill:       engine.NewKillSwitch(cfg.KillSwitchPath),
		Historical: hist,
		OnTradeComplete: func(e *journal.Entry) {
			metrics.RealizedPnL.WithLabelValues(e.Intent.StreamID).Set(e.NetPnL)
			if st != nil {
				if err := st.Trades().RecordCompleted(e); err != nil {
					logger.Errorf("trade history write failed: %v", err)
				}
			}
		},
	}

	// The feed is created before the engine it reports outages to; the
	// callback resolves through this indirection once the engine exists.
	var onOutage func(time.Duration)
	if cfg.LiveFeedURL != "" {
		instruments := make([]string, 0, len(policy.Instruments))
		for _, ip := range policy.Instruments {
			if ip.Enabled {
				instruments = append(instruments, ip.ExecutionInstrument)
			}
		}
		opts.Feed = market.NewLiveFeed(cfg.LiveFeedURL, instruments, func(d time.Duration) {
			if onOutage != nil {
				onOutage(d)
			}
		})
	}

	eng, err := engine.New(opts)
	if err != nil {
		return err
	}
	defer eng.Close()
	onOutage = eng.OnFeedOutage

	if cfg.APIListenAddr != "" {
		srv := api.NewServer(eng, opts.Kill, st, cfg.APIJWTSecret, runID)
		go func() {
			if err := srv.Run(cfg.APIListenAddr); err != nil {
				logger.Errorf("operator API stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return eng.Run(ctx)
}

func buildSinks() []notify.Sink {
	var sinks []notify.Sink
	if url := os.Getenv("QTSW_ALERT_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, notify.NewWebhookSink(url))
	}
	return sinks
}
