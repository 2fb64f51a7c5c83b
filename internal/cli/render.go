package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/livebind/pkg/document"
	"go.uber.org/zap"
)

// Output formats for render and watch.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

func addViewFlags(cmd *cobra.Command) {
	cmd.Flags().String("doc", "", "document that {{dataset.current...}} placeholders read from")
	cmd.Flags().StringP("format", "f", FormatHTML, "output format (html|markdown)")
	cmd.Flags().Duration("reveal-timeout", 0, "reveal the document after this long even if placeholders are still loading (0 waits forever)")
	_ = cmd.RegisterFlagCompletionFunc("format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{FormatHTML, FormatMarkdown}, cobra.ShellCompDirectiveNoFileComp
	})
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case FormatHTML, FormatMarkdown:
		return format, nil
	}
	return "", fmt.Errorf("unknown format %q (want html or markdown)", format)
}

func renderView(v *document.View, format string) []byte {
	if format == FormatMarkdown {
		return v.RenderMarkdown()
	}
	return v.RenderHTML()
}

func newRenderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <file.md>",
		Short: "Resolve every placeholder once and print the document",
		Args:  cobra.ExactArgs(1),
		RunE:  runRender,
	}
	addViewFlags(cmd)
	cmd.Flags().Duration("wait", 30*time.Second, "give up waiting for placeholders after this long (0 waits forever)")
	return cmd
}

func runRender(cmd *cobra.Command, args []string) error {
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

	view, err := c.OpenDocument(cmd.Context(), source, a.cfg.View.DocID)
	if err != nil {
		return err
	}
	defer view.Close()

	ctx := cmd.Context()
	if wait, _ := cmd.Flags().GetDuration("wait"); wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := view.Wait(ctx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		a.logger.Warn("Rendering before every placeholder loaded",
			zap.Strings("loading", loading(view)))
	}

	return writeOutput(cmd.OutOrStdout(), renderView(view, format))
}

// loading lists placeholders that registered but have not loaded yet.
func loading(v *document.View) []string {
	snap := v.Snapshot()
	loaded := make(map[string]struct{}, len(snap.Loaded))
	for _, id := range snap.Loaded {
		loaded[id] = struct{}{}
	}
	var out []string
	for _, id := range snap.Registered {
		if _, ok := loaded[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func writeOutput(w io.Writer, out []byte) error {
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	_, err := w.Write(out)
	return err
}
