package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/controltower/internal/dedup"
	"github.com/vietddude/controltower/internal/governance"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect governance rule files",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Load and compile a rule file without starting the service",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesCheck,
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	// Same custom checks as the running service.
	store := governance.NewStore(governance.NewRegistry(dedup.NewWindow(1, time.Minute)))
	snap, err := governance.LoadInto(store, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RULE\tCATEGORY\tSEVERITY\tENABLED\tREVIEW")
	for _, r := range snap.Rules {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", r.ID, r.Category, r.Severity, r.Enabled, r.Review)
	}
	_ = w.Flush()

	for _, p := range store.Policies() {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "policy %s: %d rules, %s\n", p.ID, p.RulesCount, p.Status)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "custom checks: %s\n", strings.Join(store.Registry().Names(), ", "))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", args[0], len(snap.Rules))
	return nil
}
