// Command bullpawn runs the ETH-collateralised lending backend. It loads
// configuration, validates it, wires dependencies, sets up signal handling and
// starts the configured mode. `bullpawn seal-key` encrypts a wallet key for
// wallet.encrypted_key_path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bullpawn/bullpawn/internal/app"
	"github.com/bullpawn/bullpawn/internal/config"
	"github.com/bullpawn/bullpawn/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal-key" {
		if err := sealKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "seal-key: %v\n", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty for env only)")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	redacted := config.RedactedConfig(cfg)
	logger.Info("bullpawn starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("chain", redacted.Chain),
		slog.Any("loan", redacted.Loan),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}

	logger.Info("bullpawn stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// sealKey reads a hex private key and password from the environment and
// writes the encrypted blob to -out.
func sealKey(args []string) error {
	fs := flag.NewFlagSet("seal-key", flag.ContinueOnError)
	out := fs.String("out", "wallet.key", "output path for the encrypted key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := os.Getenv("BULLPAWN_WALLET_PRIVATE_KEY")
	password := os.Getenv("BULLPAWN_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("set BULLPAWN_WALLET_PRIVATE_KEY and BULLPAWN_WALLET_KEY_PASSWORD")
	}
	blob, err := crypto.SealKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *out)
	return nil
}
