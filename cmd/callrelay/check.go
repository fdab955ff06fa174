package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-callrelay/internal/config"
	"github.com/teslashibe/go-callrelay/pkg/conversation"
	"github.com/teslashibe/go-callrelay/pkg/telephony"
)

func newCheckCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		apiURL     string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and the configured ElevenLabs agent",
		Long:  "Loads the configuration the server would run with, reports missing settings and looks up the configured agent on ElevenLabs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			return runCheck(cmd, cfg, apiURL)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "path to .env file (ignored when missing)")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "ElevenLabs REST base URL")
	_ = cmd.Flags().MarkHidden("api-url")
	return cmd
}

func runCheck(cmd *cobra.Command, cfg *config.Config, apiURL string) error {
	out := cmd.OutOrStdout()
	var problems []error

	report := func(name string, err error) {
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", name, err)
			problems = append(problems, err)
			return
		}
		fmt.Fprintf(out, "✓ %s\n", name)
	}

	report("public base URL", cfg.RequireServe())
	report("twilio credentials", errors.Join(
		unset("TWILIO_ACCOUNT_SID", cfg.Twilio.AccountSID),
		unset("TWILIO_AUTH_TOKEN", cfg.Twilio.AuthToken),
	))
	if cfg.Twilio.PhoneNumber != "" {
		report("twilio phone number", telephony.ValidateE164("TWILIO_PHONE_NUMBER", cfg.Twilio.PhoneNumber))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	agent, err := conversation.NewAPIClient(cfg.ElevenLabs.APIKey, apiURL).GetAgent(ctx, cfg.ElevenLabs.AgentID)
	if err == nil {
		fmt.Fprintf(out, "✓ elevenlabs agent %q (%s)\n", agent.Name, agent.AgentID)
	} else {
		report("elevenlabs agent", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("check: %d problem(s) found", len(problems))
	}
	return nil
}

func unset(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is not set", name)
	}
	return nil
}
