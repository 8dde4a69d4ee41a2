// Command syncdiag runs calendar sync diagnostics: it triggers runs, serves
// the stream trigger and prints run results.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "syncdiag",
	Short:         "Calendar sync diagnostics",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SYNCDIAG_CONFIG"), "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
}

func main() {
	ctx := logContext(context.Background(), debug)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf(logContext(context.Background(), false), err, "syncdiag")
	}
}

// logContext configures clue: terminal format on a TTY, JSON otherwise.
func logContext(ctx context.Context, debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// setup loads the configuration and builds the app for cmd.
func setup(cmd *cobra.Command) (context.Context, *app, error) {
	ctx := logContext(cmd.Context(), debug)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return ctx, a, nil
}
