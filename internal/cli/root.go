package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/herald/internal/control"
	"github.com/vietddude/herald/internal/core/config"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/transport"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald notification delivery engine",
	Long:  `Herald delivers notifications across in-app, email, push, SMS, and chat-webhook channels with per-channel tracking, retries, and digests.`,
	Run:   runEngine,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(
		&tint.Options{
			Level:      slogLevel,
			TimeFormat: time.RFC3339,
		})
	slog.Info("Logger initialized", "level", slogLevel.String())

	return cfg
}

func runEngine(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	engine, err := control.NewEngine(control.Config{
		Port:        cfg.Server.Port,
		Database:    cfg.Database,
		Redis:       cfg.Redis,
		Delivery:    cfg.Delivery,
		Retry:       cfg.RetrySweep,
		Digest:      cfg.Digest,
		Retention:   cfg.Retention,
		Routing:     cfg.Routing,
		StaticPrefs: cfg.Preferences,
	})
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}

	// Standalone runs log externally-delivered channels instead of talking to
	// real gateways; embedding applications register their own transports.
	for _, ch := range []domain.Channel{
		domain.ChannelEmail, domain.ChannelPush, domain.ChannelSMS,
		domain.ChannelSlack, domain.ChannelDiscord, domain.ChannelWebhook,
	} {
		engine.RegisterTransport(ch, transport.NewLogTransport(ch))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Herald stopped gracefully")
}
