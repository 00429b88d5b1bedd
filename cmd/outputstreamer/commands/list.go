package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/OutputStreamer/internal/source"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capturable outputs",
	Long: `List the outputs the display server reports, with the names used for
selection. Outputs whose name has not resolved yet are shown as <unknown>.`,
	Example: `  # List outputs in table format (default)
  outputstreamer list

  # List outputs in JSON format
  outputstreamer list --format json

  # List the outputs of an X server
  outputstreamer list --backend x11 --display :1`,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

func runList(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	watcher, err := b.WatchOutputs()
	if err != nil {
		return fmt.Errorf("failed to watch outputs: %w", err)
	}
	registry := source.NewRegistry(watcher)
	registry.Start()
	defer registry.Stop()

	if err := registry.WaitSynced(cfg.Capture.SyncTimeout); err != nil {
		return fmt.Errorf("failed to enumerate outputs: %w", err)
	}
	outputs := registry.Outputs()

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(outputs)
	case "table":
		return printOutputsTable(outputs, configMgr.GetOutput(), b.Name())
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func printOutputsTable(outputs []source.Output, selected, backendName string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Backend: %s\n\n", backendName)
	fmt.Fprintln(w, "ID\tNAME\tSELECTED")
	fmt.Fprintln(w, "--\t----\t--------")

	for _, o := range outputs {
		mark := ""
		if o.Resolved && o.Name == selected {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.ID, o.Name, mark)
	}
	if len(outputs) == 0 {
		fmt.Fprintln(w, "(no outputs)")
	}
	return nil
}
