package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and reset stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions with their sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		caseID, _ := cmd.Flags().GetString("case")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		recs, err := s.SessionRepo().List(cmd.Context(), store.SessionFilter{
			UserID: user,
			CaseID: caseID,
			Status: store.PushStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		fmt.Fprintf(out, "%-36s  %-12s  %-16s  %-18s  %-6s  %-16s  %s\n",
			"ID", "User", "Case", "State", "Score", "Modified", "Push")
		fmt.Fprintln(out, strings.Repeat("─", 124))
		for _, rec := range recs {
			state, score := "?", "-"
			if sess, err := session.Decode(rec.Document); err == nil {
				state = sess.CurrentState
				if sess.Score != nil {
					score = fmt.Sprintf("%.2f", *sess.Score)
				}
			}
			push := string(rec.PushStatus)
			if rec.PushError != "" {
				push += ": " + truncate(rec.PushError, 40)
			}
			fmt.Fprintf(out, "%-36s  %-12s  %-16s  %-18s  %-6s  %-16s  %s\n",
				rec.SessionID,
				truncate(rec.UserID, 12),
				truncate(rec.CaseID, 16),
				truncate(state, 18),
				score,
				rec.LastModifiedAt.Local().Format("2006-01-02 15:04"),
				push,
			)
		}
		return nil
	},
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete a user's local sessions for a case",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		caseID, _ := cmd.Flags().GetString("case")
		if user == "" || caseID == "" {
			return fmt.Errorf("--user and --case are required")
		}

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := session.NewManager(s.SessionRepo(), nil).Reset(cmd.Context(), user, caseID)
		if err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d sessions of %s for %s.\n", n, user, caseID)
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().StringP("user", "u", "", "Filter by user id")
	sessionsListCmd.Flags().StringP("case", "c", "", "Filter by case id")
	sessionsListCmd.Flags().String("status", "", "Filter by push status (pending, ok, failed)")
	sessionsListCmd.Flags().IntP("limit", "n", 50, "Number of sessions to show")

	sessionsResetCmd.Flags().StringP("user", "u", "", "User id")
	sessionsResetCmd.Flags().StringP("case", "c", "", "Case id")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsResetCmd)
}
