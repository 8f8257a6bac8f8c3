package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"msgroute/internal/app"
)

// stopCeiling bounds the whole shutdown; each step has its own budget.
const stopCeiling = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the routing API until SIGINT or SIGTERM",
		Long: `Start the HTTP routing API, the stats reporter and the config watcher.

Edits to the config file are applied live where possible; sections that
need a restart are reported in the log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.configPath, nil)
		},
	}
}

// runServe blocks until a signal arrives on sigCh or the app fails. A nil
// sigCh subscribes to SIGINT and SIGTERM.
func runServe(ctx context.Context, cfgPath string, sigCh <-chan os.Signal) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopCeiling)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
		return fmt.Errorf("stopped: %s", reason)
	}
	return nil
}
