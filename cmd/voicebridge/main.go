package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rojolang/voicebridge-go/pkg/bridge"
)

var (
	logLevel      string
	webhookAddr   string
	telephonyAddr string
	browserAddr   string
	publicHost    string
	model         string
	maxSessions   int
	idleTimeout   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "voicebridge",
		Short: "Voice bridge between telephony/browser clients and a streaming AI service",
		Long: "voicebridge relays phone calls and browser audio sessions to a streaming\n" +
			"multimodal AI service, converting audio formats in real time.",
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		bridge.GetGlobalLogger().WithError(err).Fatal("command failed")
	}
}

func loadConfig() *bridge.Config {
	cfg := bridge.NewConfig()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if webhookAddr != "" {
		cfg.WebhookAddr = webhookAddr
	}
	if telephonyAddr != "" {
		cfg.TelephonyAddr = telephonyAddr
	}
	if browserAddr != "" {
		cfg.BrowserAddr = browserAddr
	}
	if publicHost != "" {
		cfg.PublicHost = publicHost
	}
	if model != "" {
		cfg.Model = model
	}
	if maxSessions > 0 {
		cfg.MaxSessions = maxSessions
	}
	if idleTimeout > 0 {
		cfg.IdleTimeout = idleTimeout
	}
	return cfg
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge process",
		Long:  "Start the webhook, telephony media-stream, and browser listeners.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			if issues := cfg.Validate(); len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintf(os.Stderr, "config: %s\n", issue)
				}
				os.Exit(1)
			}

			logger := bridge.NewLogger(&bridge.LogConfig{
				Level:  cfg.LogLevel,
				Pretty: true,
				Output: os.Stdout,
			})
			bridge.SetGlobalLogger(logger)

			mgr := bridge.NewManager(cfg, nil, logger)
			webhook := bridge.NewWebhookServer(cfg, mgr, logger)
			telephony := bridge.NewTelephonyServer(cfg, mgr, logger)
			browser := bridge.NewBrowserServer(cfg, mgr, logger)

			errCh := make(chan error, 3)
			go func() { errCh <- webhook.ListenAndServe() }()
			go func() { errCh <- telephony.ListenAndServe() }()
			go func() { errCh <- browser.ListenAndServe() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-errCh:
				if err != nil {
					logger.WithError(err).Error("listener failed")
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			webhook.Shutdown(shutdownCtx)
			telephony.Shutdown(shutdownCtx)
			browser.Shutdown(shutdownCtx)
			if err := mgr.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("session shutdown incomplete")
			}
			logger.Info("goodbye")
		},
	}

	cmd.Flags().StringVar(&webhookAddr, "webhook-addr", "", "Webhook listen address")
	cmd.Flags().StringVar(&telephonyAddr, "telephony-addr", "", "Telephony media-stream listen address")
	cmd.Flags().StringVar(&browserAddr, "browser-addr", "", "Browser stream listen address")
	cmd.Flags().StringVar(&publicHost, "public-host", "", "Public hostname embedded in the stream URL")
	cmd.Flags().StringVar(&model, "model", "", "Upstream model identifier")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "Max concurrent sessions (0 = unlimited)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Idle session timeout")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			cfg.PrintConfig()
			if issues := cfg.Validate(); len(issues) > 0 {
				fmt.Println()
				fmt.Println("Issues:")
				for _, issue := range issues {
					fmt.Printf("  - %s\n", issue)
				}
			}
		},
	}
}

func tokenCmd() *cobra.Command {
	var callerID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a browser session token",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			token, err := bridge.GenerateSessionToken(cfg.APIKey, callerID)
			if err != nil {
				bridge.GetGlobalLogger().WithError(err).Fatal("token generation failed")
			}
			fmt.Println(token)
		},
	}
	cmd.Flags().StringVar(&callerID, "caller-id", "", "Optional caller identity claim")
	return cmd
}
