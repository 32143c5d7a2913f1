package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/splitsync/internal/config"
	"github.com/openmined/splitsync/internal/utils"
	"github.com/openmined/splitsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "splitsync",
		Short:         "Keep train/valid/test splits in sync across local, remote and project stores",
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (default ./splitsync.yaml or ~/.config/splitsync/splitsync.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newSyncCmd(),
		newStatusCmd(),
		newInitCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	// .env next to the working directory may carry secrets
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, red.Render("Error:"), err)
		}
		os.Exit(1)
	}
}

// flagKeys maps command flags onto config keys. Only flags present on the
// running command are bound.
var flagKeys = map[string]string{
	"split":     "splits",
	"direction": "direction",
	"prune":     "prune",
	"log-level": "log.level",
}

// loadConfig reads the config file, environment and flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	path, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(v, path); err != nil {
		return nil, err
	}

	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return config.Load(v)
}

// setupLogging writes colored logs to console and, when log.file is set, plain
// text logs to a rotated file. The returned func closes the file.
func setupLogging(cfg *config.Config, console io.Writer) (*slog.Logger, func(), error) {
	noColor := true
	if f, ok := console.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      cfg.LogLevel(),
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    noColor,
	})

	if cfg.Log.File == "" {
		return slog.New(consoleHandler), func() {}, nil
	}

	if err := utils.EnsureParent(cfg.Log.File); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		LocalTime:  true,
	}
	// the file always gets debug records
	fileHandler := slog.NewTextHandler(rotated, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler))
	return logger, func() { rotated.Close() }, nil
}
