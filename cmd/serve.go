package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hunter-volkman/stock-report/pkg/config"
	"github.com/hunter-volkman/stock-report/pkg/history"
	"github.com/hunter-volkman/stock-report/pkg/logutil"
	"github.com/hunter-volkman/stock-report/pkg/monitor"
	"github.com/hunter-volkman/stock-report/pkg/runlog"
	"github.com/hunter-volkman/stock-report/pkg/version"
)

var serveListenOverride string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reporting daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreate(rootConfigPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", rootConfigPath, err)
			}
			if cmd.Flags().Changed("listen") {
				cfg.Monitor.Enabled = true
				cfg.Monitor.Listen = serveListenOverride
			}

			gate, err := lockPipeline(cfg)
			if err != nil {
				return err
			}
			if gate == nil {
				return nil
			}
			defer gate.Release()

			events := runlog.NewStore(cfg.EventsPath(), runlog.Settings{})
			logutil.SetOutputTee(events.Writer())
			defer events.Flush()

			rep, hist, err := buildReporter(cfg)
			if err != nil {
				return err
			}
			defer flushHistory(hist)

			var mon *monitor.Server
			if cfg.Monitor.Enabled {
				mon, err = monitor.New(cfg, rep, hist, events)
				if err != nil {
					return err
				}
			}

			slog.Info("stock-report daemon starting",
				"version", version.Current().String(),
				"location", cfg.Location,
				"data_dir", cfg.DataDir)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				rep.Run(ctx)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				maintain(ctx, hist, events)
			}()

			var runErr error
			if mon != nil {
				runErr = mon.Run(ctx)
				stop()
			} else {
				<-ctx.Done()
			}
			wg.Wait()
			slog.Info("stock-report daemon stopped")
			return runErr
		},
	}
	serveCmd.Flags().StringVar(&serveListenOverride, "listen", "", "Override monitor listen address from config (e.g. 127.0.0.1:8707)")
	rootCmd.AddCommand(serveCmd)
}

// maintain flushes the buffered stores and prunes expired history
// segments once an hour while the daemon runs.
func maintain(ctx context.Context, hist *history.Store, events *runlog.Store) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			flushHistory(hist)
			if err := hist.Prune(now); err != nil {
				slog.Warn("could not prune run history", "error", err)
			}
			events.Flush()
		}
	}
}
