package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/config"
	"github.com/ShayCichocki/switchyard/internal/queue"
)

var serveMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Drain the admission queue and serve metrics",
	Long: `Run the drip scheduler in the foreground until interrupted.

One ready item is dispatched per randomized drip interval and critical
items are drained every critical interval. Drop a file named pause,
resume or kill into the state directory's signals/ folder (or use
'switchyard queue pause|resume') to control a running server.

Prometheus metrics are served on --metrics-addr at /metrics. With
--config, edits to the file hot-reload rate limits.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Metrics listen address (default from config; \"off\" disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := openSystem(false)
	if err != nil {
		return err
	}
	defer sys.Close()

	if cfgFile != "" {
		if _, err := config.Watch(cfgFile, sys.ApplyRateLimits); err != nil {
			log.Printf("[serve] config hot reload disabled: %v", err)
		}
	}

	sched := sys.Scheduler()
	signals, err := queue.NewSignalWatcher(queue.SignalsDir(sys.StateDir), sched)
	if err != nil {
		return fmt.Errorf("watch signals: %w", err)
	}
	defer signals.Close()

	addr := serveMetricsAddr
	if addr == "" {
		addr = sys.Config.Metrics.Addr
	}
	if addr != "" && addr != "off" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(sys.Metrics.Handler()), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[serve] metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		printStatus(cmd, "✓", fmt.Sprintf("Metrics on http://%s/metrics", addr), color.FgGreen)
	}

	sys.Metrics.ObserveQueue(sys.Queue.Stats())
	printStatus(cmd, "✓", fmt.Sprintf("Serving %d queued items from %s", sys.Queue.Len(), sys.StateDir), color.FgGreen)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printStatus(cmd, "✓", "Stopped", color.FgGreen)
	return nil
}

func metricsMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}
