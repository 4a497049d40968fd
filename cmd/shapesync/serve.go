package main

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/shapesync/internal/broadcast"
	"github.com/dgnsrekt/shapesync/internal/config"
	"github.com/dgnsrekt/shapesync/internal/metrics"
	"github.com/dgnsrekt/shapesync/internal/notify"
	"github.com/dgnsrekt/shapesync/internal/server"
	"github.com/dgnsrekt/shapesync/internal/shape"
	"github.com/dgnsrekt/shapesync/internal/stream"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Materialize the shape and serve it over HTTP",
		Long: `Follow the shape and keep its rows in memory, serving:

  GET /v1/rows     current rows as JSON (?wait=true answers 503 until synced)
  GET /v1/events   server-sent events: a snapshot, then one update per change batch
  GET /v1/ws       the same events over a websocket
  GET /metrics     Prometheus metrics
  GET /healthz     stream state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg, notify.New(&cfg.Notify, logger), logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, notifier notify.Notifier, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	opts := streamOptions(cfg, m, logger)
	opts.Subscribe = true

	s, err := stream.New(opts, logger)
	if err != nil {
		return err
	}
	sh := shape.New(s, logger)
	defer sh.Close()

	b := broadcast.New(sh, m, logger)
	defer b.Close()
	sh.Subscribe(b.Publish)

	started := time.Now()
	summary := func(rows int) notify.Summary {
		return notify.Summary{
			Shape:   cfg.Shape.Name,
			Rows:    rows,
			Offset:  s.LastOffset(),
			Handle:  s.ShapeHandle(),
			Elapsed: time.Since(started),
		}
	}

	// Notifications must not hold up delivery.
	notifyCtx := context.WithoutCancel(ctx)
	var synced sync.Once
	sh.Subscribe(func(u shape.Update) {
		synced.Do(func() {
			sum := summary(len(u.Rows))
			go func() {
				if err := notifier.SendSynced(notifyCtx, sum); err != nil {
					logger.Warn("failed to send synced notification", zap.Error(err))
				}
			}()
		})
	})

	router := server.NewRouter(server.NewServer(cfg.Shape.Name, sh, s, b, logger), reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Run(gctx)
		if err != nil {
			if nerr := notifier.SendFailure(notifyCtx, summary(sh.Len()), err); nerr != nil {
				logger.Warn("failed to send failure notification", zap.Error(nerr))
			}
		}
		return err
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Server.Addr, router, logger)
	})

	return g.Wait()
}
