package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/medsim/internal/casedef"
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Inspect and validate case definitions",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases in the local catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		cases, err := s.CaseRepo().List(cmd.Context())
		if err != nil {
			return fmt.Errorf("list cases: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(cases) == 0 {
			fmt.Fprintln(out, "No cases found. Run `medsim sync` first.")
			return nil
		}

		fmt.Fprintf(out, "%-20s  %-32s  %-16s  %-12s  %-8s  %s\n",
			"ID", "Title", "Specialty", "Difficulty", "Source", "Updated")
		fmt.Fprintln(out, strings.Repeat("─", 110))
		for _, c := range cases {
			fmt.Fprintf(out, "%-20s  %-32s  %-16s  %-12s  %-8s  %s\n",
				truncate(c.CaseID, 20),
				truncate(c.Title, 32),
				truncate(c.Specialty, 16),
				c.Difficulty,
				c.Source,
				c.LastUpdated.Local().Format("2006-01-02 15:04"),
			)
		}
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Print a case as the student sees it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		rec, err := s.CaseRepo().Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get case: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("case %q not found", args[0])
		}
		p, err := casedef.Parse(rec.FullJSON)
		if err != nil {
			return err
		}

		var v any = p.Student
		if full {
			v = p.Full
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	},
}

var casesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check case definition files against the schema",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		failed := 0
		for _, path := range args {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			p, err := casedef.Parse(raw)
			if err != nil {
				failed++
				fmt.Fprintf(out, "✗ %s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(out, "✓ %s (%s)\n", path, p.Full.ID)
			for _, w := range casedef.Warnings(p.Full) {
				fmt.Fprintf(out, "  warning: %s\n", w)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d case files are invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	casesShowCmd.Flags().Bool("full", false, "Include ground truth (diagnosis, results, transitions)")

	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesValidateCmd)
}
