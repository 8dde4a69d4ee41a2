package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume the diagnostics trigger stream and run diagnostics",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	if a.worker == nil {
		_ = a.Close(ctx)
		return errors.New("serve requires trigger.mode stream")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Print(ctx, log.KV{K: "msg", V: "syncdiag serving"},
		log.KV{K: "stream", V: a.cfg.Trigger.Stream},
		log.KV{K: "run_store", V: a.cfg.RunStore})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.worker.Run(gctx) })
	if interval := a.cfg.Trigger.HealthInterval; interval > 0 && len(a.pingers) > 0 {
		checker := health.NewChecker(a.pingers...)
		g.Go(func() error { return monitorHealth(gctx, checker, interval, a.logger) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	log.Print(ctx, log.KV{K: "msg", V: "syncdiag shutting down"})
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, a.Close(shutdownCtx))
}
