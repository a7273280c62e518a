package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftbox/driftbox/internal/config"
	"github.com/driftbox/driftbox/internal/utils"
	"github.com/driftbox/driftbox/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "driftbox",
	Short:         "Driftbox file synchronization CLI",
	Version:       version.Detailed(),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().Bool("debug", false, "verbose logging")
	rootCmd.AddCommand(initCmd, syncCmd, backupCmd, restoreCmd, versionCmd)
}

func main() {
	// a .env next to the binary can seed credentials in dev setups
	_ = godotenv.Load()

	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	for _, arg := range os.Args[1:] {
		if arg == "--debug" {
			level = slog.LevelDebug
		}
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	handlers := []slog.Handler{stdoutHandler}
	if fileHandler := fileLogHandler(); fileHandler != nil {
		handlers = append(handlers, fileHandler)
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
}

// fileLogHandler mirrors everything into the log file at debug level. Logging
// still works when the file cannot be opened.
func fileLogHandler() slog.Handler {
	logPath := config.DefaultLogPath
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}

	interceptor := utils.NewLogInterceptor(file)
	return slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// the interceptor stamps its own time
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if env := os.Getenv("DRIFTBOX_CONFIG_PATH"); env != "" && !cmd.Flag("config").Changed {
		path = env
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w (run 'driftbox init' first)", path, err)
	}

	// credentials and the data dir may come from the environment instead
	// of the file
	v := viper.New()
	v.SetEnvPrefix("DRIFTBOX")
	v.AutomaticEnv()
	if s := v.GetString("data_dir"); s != "" {
		cfg.DataDir = s
	}
	if s := v.GetString("s3_access_key"); s != "" {
		cfg.S3.AccessKey = s
	}
	if s := v.GetString("s3_secret_key"); s != "" {
		cfg.S3.SecretKey = s
	}
	if s := v.GetString("s3_endpoint"); s != "" {
		cfg.S3.Endpoint = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
