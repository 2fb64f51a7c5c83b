package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <file.md>",
		Short: "Render the document and re-render it on every live update",
		Long: `watch prints the document once every placeholder has loaded, then prints it
again whenever a live update changes a value. It runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}
	addViewFlags(cmd)
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	c, err := a.newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if !c.IsConnected() {
		a.logger.Warn("Live updates disabled, the document will not change")
	}

	view, err := c.OpenDocument(ctx, source, a.cfg.View.DocID)
	if err != nil {
		return err
	}
	defer view.Close()

	changes, cancel := view.Watch()
	defer cancel()

	if err := view.Wait(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	last := renderView(view, format)
	if err := writeOutput(out, last); err != nil {
		return err
	}

	connected := view.Connected()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		}

		if now := view.Connected(); now != connected {
			connected = now
			a.logger.Info("Live connection changed", zap.Bool("connected", connected))
		}

		next := renderView(view, format)
		if bytes.Equal(next, last) {
			continue
		}
		last = next
		a.logger.Debug("Document changed, re-rendering")
		if err := writeOutput(out, next); err != nil {
			return err
		}
	}
}
