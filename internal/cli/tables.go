package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/core/fsm"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Print and validate the declarative state transition tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if err := printTable(out, fsm.MessageTable, describeMessage); err != nil {
			return err
		}
		if err := printTable(out, fsm.ParticipantTable, nil); err != nil {
			return err
		}
		return printTable(out, fsm.PhaseTable, nil)
	},
}

func init() {
	rootCmd.AddCommand(tablesCmd)
}

func describeMessage(s string) string {
	return fsm.MessageStateDescription(domain.MessageState(s))
}

func printTable[S ~string](out io.Writer, t fsm.Table[S], describe func(string) string) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "%s (initial %s)\n", t.Name, t.Initial)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "  FROM\tTO\tNOTE")
	for _, s := range t.States() {
		next := make([]string, 0, len(t.Next(s)))
		for _, n := range t.Next(s) {
			next = append(next, string(n))
		}
		to := strings.Join(next, ", ")
		if t.IsFinal(s) {
			to = "(final)"
		}
		note := ""
		if describe != nil {
			note = describe(string(s))
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", s, to, note)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)
	return nil
}
