package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/vktunnel/internal/admin"
	"github.com/loykin/vktunnel/internal/bot"
	"github.com/loykin/vktunnel/internal/config"
	"github.com/loykin/vktunnel/internal/detector"
	"github.com/loykin/vktunnel/internal/history"
	"github.com/loykin/vktunnel/internal/history/factory"
	"github.com/loykin/vktunnel/internal/hostapi"
	"github.com/loykin/vktunnel/internal/logger"
	"github.com/loykin/vktunnel/internal/metrics"
	"github.com/loykin/vktunnel/internal/notify"
	"github.com/loykin/vktunnel/internal/process"
	"github.com/loykin/vktunnel/internal/schedule"
	"github.com/loykin/vktunnel/internal/server"
	"github.com/loykin/vktunnel/internal/sysinfo"
	"github.com/loykin/vktunnel/internal/telegram"
	"github.com/loykin/vktunnel/internal/tunnel"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the tunnel supervisor",
		Long: `Run the supervisor in the foreground: it spawns vk-tunnel, watches its
health, listens for Telegram commands and serves the local control API.
Stop it with SIGINT or SIGTERM; the tunnel process is terminated first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	recorder, err := openHistory(cfg.History, log)
	if err != nil {
		return err
	}
	defer func() { _ = recorder.Close() }()

	tg := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.BotToken, nil)

	probe, err := detector.New(cfg.Health.Mode, cfg.Tunnel.Host, cfg.Tunnel.Port)
	if err != nil {
		return err
	}
	ident := sysinfo.Identity(ctx)
	log.Info("server identity", "hostname", ident.Hostname, "ip", ident.IP)

	deps := tunnel.Deps{
		Spawner:  process.NewSpawner(cfg.Tunnel.WorkDir),
		Probe:    probe,
		Notifier: notify.Multi{
			notify.NewTelegram(tg, cfg.Telegram.ChatID),
			notify.Log{Logger: log.With("component", "notify")},
		},
		OS:       process.OSTable{},
		Recorder: recorder,
		Identity: func() tunnel.Identity { return ident },
		Logger:   log,
	}
	if hosts := newHostClient(cfg.API, log); hosts.Enabled() {
		deps.Hosts = hosts
	} else {
		log.Info("host update API disabled")
	}
	sup, err := tunnel.New(supervisorOptions(cfg), deps)
	if err != nil {
		return err
	}

	store, err := admin.Open(cfg.Admin.Store)
	if err != nil {
		return fmt.Errorf("open admin store: %w", err)
	}
	defer func() { _ = store.Close() }()
	registry, err := admin.NewRegistry(ctx, store, cfg.Telegram.OwnerID)
	if err != nil {
		return err
	}
	dispatcher := bot.NewDispatcher(sup, registry, tg, cfg.Log.File, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	switch cfg.Telegram.Mode {
	case "webhook":
		wh := telegram.NewWebhook(cfg.Telegram.WebhookListen, cfg.Telegram.WebhookPath, cfg.Telegram.WebhookSecret, dispatcher, log)
		g.Go(func() error { return wh.Run(gctx) })
	default:
		g.Go(func() error { return telegram.NewPoller(tg, dispatcher, log).Run(gctx) })
	}
	if cfg.Server.Enabled {
		srv := server.NewServer(cfg.Server.Listen, server.NewRouter(sup, cfg.Server.BasePath, cfg.Log.File, cfg.Server.Metrics))
		log.Info("control API listening", "addr", cfg.Server.Listen, "base", cfg.Server.BasePath)
		g.Go(func() error { return server.Serve(gctx, srv) })
	}
	if cfg.Supervisor.RestartSchedule != "" {
		sched, err := schedule.New(cfg.Supervisor.RestartSchedule, nil, sup, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	log.Info("vktunnel supervisor started", "command", cfg.TunnelArgv())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("vktunnel supervisor stopped")
		return nil
	}
	return err
}

func supervisorOptions(cfg *config.Config) tunnel.Options {
	return tunnel.Options{
		Argv:              cfg.TunnelArgv(),
		Env:               cfg.Tunnel.Env,
		CrashLimit:        cfg.Supervisor.CrashLimit,
		SpawnBackoff:      cfg.Supervisor.SpawnBackoff.Std(),
		Quiescence:        cfg.Supervisor.Quiescence.Std(),
		HoldPoll:          cfg.Supervisor.HoldPoll.Std(),
		NotifyTimeout:     cfg.Supervisor.NotifyTimeout.Std(),
		HostUpdateTimeout: cfg.API.Timeout.Std(),
		Health: tunnel.HealthOptions{
			Grace:     cfg.Health.Grace.Std(),
			Interval:  cfg.Health.Interval.Std(),
			Timeout:   cfg.Health.Timeout.Std(),
			Threshold: cfg.Health.Threshold,
		},
		Escalation: tunnel.EscalatorOptions{
			GraceTimeout:    cfg.Termination.GraceTimeout.Std(),
			KillTimeout:     cfg.Termination.KillTimeout.Std(),
			FallbackTimeout: cfg.Termination.FallbackTimeout.Std(),
			SettleDelay:     cfg.Termination.SettleDelay.Std(),
			FinalTimeout:    cfg.Termination.FinalTimeout.Std(),
		},
	}
}

func newHostClient(c config.APIConfig, log *slog.Logger) *hostapi.Client {
	return hostapi.New(hostapi.Config{
		Domain:  c.Domain,
		Token:   c.Token,
		Timeout: c.Timeout.Std(),
		Host: hostapi.Payload{
			UUID: c.UUID,
			Inbound: hostapi.Inbound{
				ConfigProfileUUID:        c.ConfigProfileUUID,
				ConfigProfileInboundUUID: c.ConfigProfileInboundUUID,
			},
			Remark:                 c.Remark,
			Address:                c.Address,
			Port:                   c.Port,
			Path:                   c.Path,
			SNI:                    c.SNI,
			ALPN:                   c.ALPN,
			Fingerprint:            c.Fingerprint,
			IsDisabled:             c.IsDisabled,
			SecurityLayer:          c.SecurityLayer,
			IsHidden:               c.IsHidden,
			OverrideSNIFromAddress: c.OverrideSNIFromAddress,
			AllowInsecure:          c.AllowInsecure,
		},
	}, nil, log)
}

// openHistory builds the recorder for every configured sink. A sink that
// cannot be opened is an error; an empty list yields a discarding recorder.
func openHistory(c config.HistoryConfig, log *slog.Logger) (*history.Recorder, error) {
	var sinks []history.Sink
	for _, dsn := range c.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, opened := range sinks {
				if cl, ok := opened.(interface{ Close() error }); ok {
					_ = cl.Close()
				}
			}
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return history.NewRecorderSize(log, c.QueueSize, sinks...), nil
}
