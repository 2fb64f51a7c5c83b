package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/livebind/pkg/document"
	"github.com/wehubfusion/livebind/pkg/placeholder"
)

// parsedPlaceholder is one line of parse output.
type parsedPlaceholder struct {
	FullPath  string `json:"fullPath"`
	Scope     string `json:"scope"`
	PinID     string `json:"pinId,omitempty"`
	DatasetID string `json:"datasetId"`
	JSONPath  string `json:"jsonPath,omitempty"`
	Block     bool   `json:"block"`
}

func newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file.md>",
		Short: "List the placeholders in a document without fetching anything",
		Args:  cobra.ExactArgs(1),
		RunE:  runParse,
	}
}

func runParse(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	out, err := parsePlaceholders(source)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), out)
}

func parsePlaceholders(source []byte) ([]byte, error) {
	nodes := placeholder.Transform(document.Parse(source))
	list := make([]parsedPlaceholder, 0, len(nodes))
	for _, n := range nodes {
		list = append(list, parsedPlaceholder{
			FullPath:  n.FullPath,
			Scope:     string(n.Scope),
			PinID:     n.PinID,
			DatasetID: n.DatasetID,
			JSONPath:  n.JSONPath,
			Block:     n.Block(),
		})
	}
	return json.MarshalIndent(list, "", "  ")
}
