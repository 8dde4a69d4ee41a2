package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/health"

	"goa.design/syncdiag/runtime/telemetry"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Ping the configured backends",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

type (
	redisPinger struct{ rdb *redis.Client }
	sqlPinger   struct{ db *sql.DB }

	// checker is the part of health.Checker monitorHealth uses.
	checker interface {
		Check(ctx context.Context) (*health.Health, bool)
	}
)

func (redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func (sqlPinger) Name() string { return "postgres" }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func runHealth(cmd *cobra.Command, _ []string) (err error) {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()

	h, ok := health.NewChecker(a.pingers...).Check(ctx)
	if err := printJSON(cmd.OutOrStdout(), h); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unhealthy: %v", h.Status)
	}
	return nil
}

// monitorHealth checks the backends every interval until ctx is done. It
// logs a warning when a check fails and an info line once they recover.
func monitorHealth(ctx context.Context, c checker, interval time.Duration, logger telemetry.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		h, ok := c.Check(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case !ok:
			var status map[string]string
			if h != nil {
				status = h.Status
			}
			logger.Warn(ctx, "backend health check failed", "status", status)
		case !healthy:
			logger.Info(ctx, "backends healthy again")
		}
		healthy = ok
	}
}
