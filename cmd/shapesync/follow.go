package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/checkpoint"
	"github.com/dgnsrekt/shapesync/internal/config"
	"github.com/dgnsrekt/shapesync/internal/protocol"
	"github.com/dgnsrekt/shapesync/internal/stream"
)

type followOptions struct {
	controls bool
	reset    bool
}

func followCmd() *cobra.Command {
	var (
		output string
		fo     followOptions
	)

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Stream shape changes as JSON Lines",
		Long: `Catch up with the shape, then keep long-polling and print every change
message as a JSON line in the order it was received.

With checkpoint.enabled the last delivered offset is saved after every
batch and the next run resumes from it.

Examples:
  # Follow from the last checkpoint
  shapesync follow

  # Discard the checkpoint and start over, including control messages
  shapesync follow --reset --controls`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := openOutput(output)
			if err != nil {
				return err
			}
			defer func() { _ = out.Close() }()

			var store checkpoint.Store
			if cfg.Checkpoint.Enabled {
				store, err = checkpoint.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Path, logger)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
			}

			return runFollow(cmd.Context(), cfg, store, out, fo, logger)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file (- for stdout)")
	cmd.Flags().BoolVar(&fo.controls, "controls", false, "also print control messages")
	cmd.Flags().BoolVar(&fo.reset, "reset", false, "delete the checkpoint before starting")

	return cmd
}

// runFollow streams changes to out until ctx is cancelled. store may be nil.
func runFollow(ctx context.Context, cfg *config.Config, store checkpoint.Store, out io.Writer, fo followOptions, logger *zap.Logger) error {
	opts := streamOptions(cfg, nil, logger)
	opts.Subscribe = true
	name := cfg.Shape.Name

	if store != nil {
		if fo.reset {
			if err := store.Delete(ctx, name); err != nil {
				return err
			}
			logger.Info("checkpoint deleted")
		} else if err := resumeFrom(ctx, store, name, &opts, logger); err != nil {
			return err
		}
	}

	s, err := stream.New(opts, logger)
	if err != nil {
		return err
	}

	// Saves outlive cancellation so the last delivered batch is recorded.
	saveCtx := context.WithoutCancel(ctx)

	s.Subscribe(func(batch []protocol.Message) error {
		if err := writeMessages(out, batch, fo.controls); err != nil {
			return err
		}
		if store == nil {
			return nil
		}
		return store.Save(saveCtx, checkpoint.Checkpoint{
			Name:    name,
			Offset:  s.LastOffset(),
			Handle:  s.ShapeHandle(),
			SavedAt: time.Now(),
		})
	}, func(err error) {
		logger.Error("stream stopped", zap.Error(err))
	})

	return s.Run(ctx)
}

func resumeFrom(ctx context.Context, store checkpoint.Store, name string, opts *stream.Options, logger *zap.Logger) error {
	cp, err := store.Load(ctx, name)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		logger.Info("no checkpoint, starting from the beginning")
		return nil
	case err != nil:
		return fmt.Errorf("loading checkpoint: %w", err)
	case !cp.Resumable():
		logger.Info("checkpoint not resumable, starting from the beginning",
			zap.String("offset", cp.Offset.String()),
		)
		return nil
	}

	opts.Offset = cp.Offset
	opts.Handle = cp.Handle
	logger.Info("resuming from checkpoint",
		zap.String("offset", cp.Offset.String()),
		zap.String("handle", cp.Handle),
		zap.Time("saved_at", cp.SavedAt),
	)
	return nil
}
