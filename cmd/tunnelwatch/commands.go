package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loykin/tunnelwatch"
	"github.com/loykin/tunnelwatch/internal/logger"
	"github.com/loykin/tunnelwatch/pkg/client"
)

var errUsage = errors.New("usage error")

// buildRoot creates the root command; running it without a subcommand runs the service.
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	checkFlags := &CheckFlags{}
	statusFlags := &StatusFlags{}

	root := createRootCommand(globalFlags, stderr)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		createRunCommand(globalFlags, stderr),
		createCheckCommand(globalFlags, checkFlags, stdout, stderr),
		createStatusCommand(statusFlags, stdout),
		createVersionCommand(stdout),
	)
	return root
}

// createRootCommand creates the root command with the config source flags
func createRootCommand(flags *GlobalFlags, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelwatch",
		Short: "Cloudflare quick tunnel watcher with Telegram notifications",
		Long: `tunnelwatch supervises a cloudflared quick tunnel, detects every new
public URL in its output and posts it to a Telegram chat or forum topic.

Configuration comes from defaults, an optional TOML file, an optional
.env file and the environment, in increasing precedence.

Examples:
  tunnelwatch                          # run the watcher
  tunnelwatch --config tunnelwatch.toml
  tunnelwatch check --send             # verify credentials and send a test message
  tunnelwatch status --addr 127.0.0.1:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, *flags, stderr)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", ".env", "dotenv file; a missing file is only a warning")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
	return root
}

func createRunCommand(flags *GlobalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel watcher (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, *flags, stderr)
		},
	}
}

func createCheckCommand(flags *GlobalFlags, checkFlags *CheckFlags, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the Telegram configuration",
		Long: `Load the configuration, call getMe with the bot token and, with --send,
deliver a test message to the configured chat or topic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, log, closer, err := loadConfig(*flags, stderr)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			if err := tunnelwatch.Check(cmd.Context(), c, log, checkFlags.Send); err != nil {
				return err
			}
			if checkFlags.Send {
				_, _ = fmt.Fprintln(stdout, "connection ok, test message sent")
			} else {
				_, _ = fmt.Fprintln(stdout, "connection ok")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkFlags.Send, "send", false, "send a test message")
	return cmd
}

func createStatusCommand(flags *StatusFlags, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running tunnelwatch",
		Long: `Query the status endpoint of a running instance (http_listen must be set).
Include http_base_path in --addr when one is configured. The command is read-only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(client.Config{BaseURL: flags.Addr, Timeout: flags.Timeout, Logger: logger.Discard()})
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stdout, st)
		},
	}
	cmd.Flags().StringVar(&flags.Addr, "addr", client.DefaultBaseURL, "status server address")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", client.DefaultConfig().Timeout, "request timeout")
	return cmd
}

func createVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(stdout, "tunnelwatch", version)
		},
	}
}

func runService(cmd *cobra.Command, flags GlobalFlags, stderr io.Writer) error {
	c, log, closer, err := loadConfig(flags, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	svc, err := tunnelwatch.New(c, log)
	if err != nil {
		return err
	}
	if err := svc.Run(cmd.Context()); err != nil {
		log.Error("tunnelwatch stopped", "error", err)
		return err
	}
	return nil
}

// loadConfig reads the configuration with a bootstrap logger, then builds the
// configured service logger.
func loadConfig(flags GlobalFlags, stderr io.Writer) (*tunnelwatch.Config, *slog.Logger, io.Closer, error) {
	boot := slog.New(slog.NewTextHandler(stderr, nil))
	c, err := tunnelwatch.LoadConfig(tunnelwatch.LoadOptions{
		ConfigFile: flags.ConfigPath,
		EnvFile:    flags.EnvFile,
		Logger:     boot,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	log, closer, err := logger.New(c.LoggerConfig())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", tunnelwatch.ErrInvalidConfig, err)
	}
	return c, log, closer, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
