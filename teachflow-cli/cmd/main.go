package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/teachflow/teachflow-live/pkg/apiclient"
	"github.com/teachflow/teachflow-live/pkg/credstore"
	pkglog "github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/teachflow-cli/internal/app"
	"github.com/teachflow/teachflow-live/teachflow-cli/internal/config"
)

var version = "0.1.0"

// exitSessionExpired tells scripts the user has to log in again.
const exitSessionExpired = 2

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if apiclient.SessionExpired(err) {
		fmt.Fprintln(os.Stderr, "Your session has expired. Run 'teachflow-cli login' to sign in again.")
		os.Exit(exitSessionExpired)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "teachflow-cli",
	Short: "TeachFlow terminal client",
	Long: `teachflow-cli signs in to TeachFlow and joins live-class chats from the terminal.

Examples:
  teachflow-cli login --email ana@example.com
  teachflow-cli classes
  teachflow-cli chat algebra-101`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(classesCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(themeCmd)

	rootCmd.PersistentFlags().String("config-dir", "config", "Configuration directory")
}

// withApp loads configuration, opens the credential store and runs fn.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := credstore.OpenSQLite(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("open state %s: %w", cfg.StateFile, err)
	}
	defer store.Close()

	a, err := app.New(app.Options{
		Config: cfg,
		Store:  store,
		Out:    cmd.OutOrStdout(),
		Logger: &logger,
	})
	if err != nil {
		return err
	}
	return fn(a)
}

// newLogger writes the client log to a file so it never interleaves with
// the chat transcript.
func newLogger(cfg config.LogConfig) (zerolog.Logger, func(), error) {
	if cfg.File == "" {
		return pkglog.Nop(), func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := pkglog.New(pkglog.Config{
		Level:       cfg.Level,
		ServiceName: "teachflow-cli",
		Output:      f,
	})
	return logger, func() { _ = f.Close() }, nil
}
