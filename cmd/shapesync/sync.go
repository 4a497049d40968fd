package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/config"
	"github.com/dgnsrekt/shapesync/internal/shape"
	"github.com/dgnsrekt/shapesync/internal/stream"
)

var errNotSynced = errors.New("interrupted before the shape was synced")

func syncCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the shape once and print its rows",
		Long: `Fetch the shape from the beginning until it is up to date, then print
the materialized rows as JSON Lines ordered by key.

Examples:
  # Print rows to stdout
  shapesync sync -c configs/shapesync.yaml

  # Write rows to a file
  shapesync sync -o items.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := openOutput(output)
			if err != nil {
				return err
			}
			defer func() { _ = out.Close() }()

			return runSync(cmd.Context(), cfg, out, logger)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file (- for stdout)")

	return cmd
}

func runSync(ctx context.Context, cfg *config.Config, out io.Writer, logger *zap.Logger) error {
	opts := streamOptions(cfg, nil, logger)
	opts.Subscribe = false

	s, err := stream.New(opts, logger)
	if err != nil {
		return err
	}
	sh := shape.New(s, logger)
	defer sh.Close()

	start := time.Now()
	if err := s.Run(ctx); err != nil {
		return err
	}
	if !sh.IsUpToDate() {
		return errNotSynced
	}

	rows := sh.CurrentRows()
	logger.Info("sync complete",
		zap.Int("rows", len(rows)),
		zap.String("offset", s.LastOffset().String()),
		zap.String("handle", s.ShapeHandle()),
		zap.Duration("duration", time.Since(start)),
	)

	return writeRows(out, rows)
}
