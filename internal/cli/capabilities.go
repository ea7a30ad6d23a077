package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var capabilitiesOutput string

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "List the capabilities of the configured providers",
	Long: `Contact every configured capability provider once and list what it
offers. Unreachable providers are reported in the log and skipped.`,
	Args: cobra.NoArgs,
	RunE: runCapabilities,
}

func init() {
	capabilitiesCmd.Flags().StringVarP(&capabilitiesOutput, "output", "o", "text", "output format (text, json)")
	rootCmd.AddCommand(capabilitiesCmd)
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	if capabilitiesOutput != "text" && capabilitiesOutput != "json" {
		return fmt.Errorf("unsupported output format %q", capabilitiesOutput)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Gateway.Enabled = false
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := startDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer stopDaemon(d)

	descriptors := d.Registry().Snapshot().List()
	out := cmd.OutOrStdout()

	if capabilitiesOutput == "json" {
		data, err := json.MarshalIndent(descriptors, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode capabilities: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(descriptors) == 0 {
		fmt.Fprintln(out, "No capabilities found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROVIDER\tREQUIRED\tDESCRIPTION")
	for _, desc := range descriptors {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", desc.Name, desc.Provider, desc.Required, desc.Description)
	}
	return w.Flush()
}
