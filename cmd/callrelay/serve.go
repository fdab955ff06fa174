package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-callrelay/internal/config"
	"github.com/teslashibe/go-callrelay/internal/log"
	"github.com/teslashibe/go-callrelay/pkg/api"
	"github.com/teslashibe/go-callrelay/pkg/bridge"
	"github.com/teslashibe/go-callrelay/pkg/calls"
	"github.com/teslashibe/go-callrelay/pkg/hub"
	"github.com/teslashibe/go-callrelay/pkg/session"
	"github.com/teslashibe/go-callrelay/pkg/telephony"
	"github.com/teslashibe/go-callrelay/pkg/voicebridge"
)

type serveOptions struct {
	configPath      string
	envFile         string
	port            string
	debug           bool
	overridePrompt  bool
	shutdownTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Long:  "Serves the call API, the Twilio voice and status webhooks, the media stream endpoint and the live event feed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "path to .env file (ignored when missing)")
	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "HTTP port (overrides config and PORT)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging and access logs")
	cmd.Flags().BoolVar(&opts.overridePrompt, "override-prompt", false, "send the call script as the agent's system prompt")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for live calls on shutdown")
	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return err
	}
	if opts.port != "" {
		cfg.Server.Port = opts.port
	}
	if opts.debug {
		cfg.Server.LogLevel = "debug"
	}
	if err := cfg.RequireServe(); err != nil {
		return err
	}

	log.Init(log.Options{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})
	logger := log.Component("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := hub.New("events").WithLogger(log.Component("hub"))
	go events.Run(ctx)

	registry := session.NewRegistry(
		session.WithTTL(cfg.Session.TTL),
		session.WithLogger(log.Component("session")),
		session.WithNotifier(session.NotifierFunc(func(e session.Event) {
			if err := events.BroadcastJSON(e); err != nil {
				logger.Warn("event broadcast failed", "type", e.Type, "error", err)
			}
		})),
	)

	sweeper, err := session.NewSweeper(registry, cfg.Session.SweepSchedule, log.L())
	if err != nil {
		return err
	}
	sweeper.Start()

	phone := telephony.NewTwilio(
		telephony.WithVoice(cfg.Twilio.Voice),
		telephony.WithLogger(log.L()),
	)

	manager := bridge.NewManager(bridge.Deps{
		Registry: registry,
		Builder:  voicebridge.New(cfg.ElevenLabs.BaseURL),
		Dialer: &bridge.ElevenLabsDialer{
			ReadTimeout:    cfg.Bridge.IdleTimeout,
			OverridePrompt: opts.overridePrompt || cfg.ElevenLabs.OverridePrompt,
			FirstMessage:   cfg.ElevenLabs.FirstMessage,
			Language:       cfg.ElevenLabs.Language,
			Logger:         log.Component("conversation"),
		},
		Phone:  phone,
		Logger: log.Component("bridge"),
	}, bridge.Config{
		IdleTimeout:     cfg.Bridge.IdleTimeout,
		StartTimeout:    cfg.Bridge.StartTimeout,
		FallbackMessage: cfg.Bridge.FallbackMessage,
	})

	svc := calls.NewService(registry, phone, cfg, calls.Config{
		Credentials: session.Credentials{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			AgentID:    cfg.ElevenLabs.AgentID,
			APIKey:     cfg.ElevenLabs.APIKey,
		},
		FromNumber:    cfg.Twilio.PhoneNumber,
		Greeting:      cfg.Twilio.Greeting,
		Voice:         cfg.Twilio.Voice,
		HangupTimeout: cfg.Calls.HangupTimeout,
		RingTimeout:   cfg.Calls.RingTimeout,
	}, calls.WithBridges(manager), calls.WithLogger(log.Component("calls")))

	srv := api.NewServer(svc, manager, events, api.Config{
		Port:               cfg.Server.Port,
		PublicBaseURL:      cfg.Server.PublicBaseURL,
		ValidateSignatures: cfg.Twilio.ValidateSignatures,
		Debug:              opts.debug,
		Version:            Version,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen()
	}()

	logger.Info("callrelay started",
		"version", Version,
		"port", cfg.Server.Port,
		"status_callback", cfg.StatusCallbackURL(),
		"stream_url", cfg.StreamURL(),
	)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down", "active_bridges", manager.Active())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridges did not drain", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sweeper.Stop(shutdownCtx)

	logger.Info("goodbye")
	return nil
}
