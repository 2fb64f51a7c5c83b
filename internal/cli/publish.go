package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wehubfusion/livebind/pkg/client"
	"github.com/wehubfusion/livebind/pkg/dataset"
	"github.com/wehubfusion/livebind/pkg/pathutil"
	"go.uber.org/zap"
)

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <docId> <datasetId> <file>",
		Short: "Push a dataset update to every view watching it",
		Long: `publish sends the contents of file as the new value of a dataset.

For --type json the file must hold JSON. For --type markdown a JSON object
with a "content" field is sent as is; any other file is sent as the content.`,
		Args: cobra.ExactArgs(3),
		RunE: runPublish,
	}
	cmd.Flags().String("type", string(dataset.TypeJSON), "dataset type (json|markdown)")
	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	docID, datasetID, path := args[0], args[1], args[2]

	typeFlag, _ := cmd.Flags().GetString("type")
	typ := dataset.Type(typeFlag)
	if typ != dataset.TypeJSON && typ != dataset.TypeMarkdown {
		return fmt.Errorf("unknown dataset type %q (want json or markdown)", typeFlag)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	payload, err := buildPayload(typ, raw)
	if err != nil {
		return err
	}

	if a.cfg.NATS.URL == "" {
		return fmt.Errorf("publish needs a NATS server: set --nats-url or nats.url")
	}
	c, err := a.newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(cmd.Context()); err != nil {
		return err
	}
	version, err := c.Publish(cmd.Context(), docID, datasetID, dataset.New(datasetID, typ, payload))
	if err != nil {
		if errors.Is(err, client.ErrNotConnected) {
			return fmt.Errorf("live channel unavailable: %w", err)
		}
		return err
	}

	a.logger.Info("Published dataset update",
		zap.String("doc_id", docID),
		zap.String("dataset_id", datasetID),
		zap.String("version", version))
	_, err = fmt.Fprintln(cmd.OutOrStdout(), version)
	return err
}

// buildPayload validates raw for typ. Markdown source that is not already a
// {"content": ...} object is wrapped into one.
func buildPayload(typ dataset.Type, raw []byte) ([]byte, error) {
	if typ == dataset.TypeMarkdown {
		if gjson.ValidBytes(raw) && gjson.GetBytes(raw, pathutil.ContentKey).Exists() {
			return raw, nil
		}
		return sjson.SetBytes([]byte(`{}`), pathutil.ContentKey, string(raw))
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}
