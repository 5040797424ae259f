package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"courier/internal/bot"
	"courier/internal/channel/telegram"
	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/gate"
	"courier/internal/pending"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/internal/transport"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the courier bot",
		Long: `Start the courier bot.

The bot connects to Telegram, accepts tasks from the authorized
operator, and runs them through the local coding agent. It keeps
running until interrupted or until the operator sends /restart,
which exits with code 82 so a launcher can restart it.`,
		Example: `  # Start with the default configuration
  courier serve

  # Start with a specific config file
  courier serve --config /etc/courier/config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	cfg := cliCtx.Config
	log := cliCtx.Log()

	// An unusable channel identity is the one fatal misconfiguration.
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("configuration is not usable")
		return err
	}

	statePath, err := config.DefaultStatePath()
	if err != nil {
		return err
	}
	sessions := session.New(statePath)

	var runs *storage.RunStore
	if db, err := cliCtx.GetStorage(); err != nil {
		log.Warn().Err(err).Msg("run history unavailable")
	} else {
		runs = storage.NewRunStore(db)
	}

	var audit *gate.AuditLog
	if cfg.Gate.AuditLog != "" {
		path, err := config.ExpandPath(cfg.Gate.AuditLog)
		if err == nil {
			audit, err = gate.NewAuditLog(path)
		}
		if err != nil {
			log.Warn().Err(err).Msg("audit log unavailable")
		}
	}
	defer audit.Close()

	plans, err := gate.NewPlanTracker()
	if err != nil {
		log.Warn().Err(err).Msg("plan tracking unavailable")
		plans = nil
	} else {
		defer plans.Close()
	}

	ch := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout,
	})

	monitor := transport.NewMonitor(transport.Config{
		FailureThreshold: cfg.Transport.FailureThreshold,
		Backoff: transport.BackoffPolicy{
			Base: cfg.Transport.ReconnectBase,
			Max:  cfg.Transport.ReconnectMax,
		},
		LogWindow: cfg.Transport.LogWindow,
	}, ch.Probe)
	defer monitor.Stop()

	baseCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctrl := bot.New(baseCtx, bot.Options{
		Config:   cfg,
		Channel:  ch,
		Registry: pending.NewRegistry(),
		Sessions: sessions,
		Engine:   engine.NewCLIEngine(cfg.Agent),
		Monitor:  monitor,
		Runs:     runs,
		Audit:    audit,
		Plans:    plans,
	})

	monitor.SetCallbacks(ch.Pause, func() {
		ch.Resume()
		ctrl.NotifyOnline()
	})
	ch.SetHealthHooks(monitor.RecordFailure, monitor.RecordSuccess)

	ch.OnEvent(ctrl.HandleEvent)
	if err := ch.Start(baseCtx); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}

	log.Info().
		Str("workdir", sessions.WorkingDirectory()).
		Msg("courier started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case exitCode = <-ctrl.Exit():
		log.Info().Int("code", exitCode).Msg("operator requested shutdown")
	}

	cancel()
	if err := ch.Stop(context.Background()); err != nil {
		log.Warn().Err(err).Msg("channel stop")
	}

	if exitCode != 0 {
		// PersistentPostRunE never runs past an os.Exit; close storage here.
		cliCtx.Close()
		os.Exit(exitCode)
	}
	return nil
}
