package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/adminguard/internal/config"
	"github.com/ppiankov/adminguard/internal/model"
	"github.com/ppiankov/adminguard/internal/server"
)

var (
	approvalStatus string
	approvalLimit  int
	deciderID      string
	deciderEmail   string
	decisionNote   string
)

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd, approvalsDecideCmd)

	approvalsListCmd.Flags().StringVar(&approvalStatus, "status", "pending", "pending, approved, rejected, expired or all")
	approvalsListCmd.Flags().IntVar(&approvalLimit, "limit", 50, "Maximum requests to show")
	approvalsDecideCmd.Flags().StringVar(&deciderID, "admin-id", "", "Deciding admin id (required)")
	approvalsDecideCmd.Flags().StringVar(&deciderEmail, "admin-email", "", "Deciding admin email")
	approvalsDecideCmd.Flags().StringVar(&decisionNote, "note", "", "Decision note recorded in the ledger")
	approvalsDecideCmd.MarkFlagRequired("admin-id")
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and decide four-eyes approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	Args:  cobra.NoArgs,
	RunE:  runApprovalsList,
}

var approvalsDecideCmd = &cobra.Command{
	Use:   "decide <id> <approve|reject>",
	Short: "Approve or reject a pending request",
	Long:  "Records a decision as a second admin. Approving runs the stored action\nimmediately. The requester cannot decide their own request.",
	Args:  cobra.ExactArgs(2),
	RunE:  runApprovalsDecide,
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	status := model.ApprovalStatus(approvalStatus)
	if approvalStatus == "all" {
		status = ""
	}
	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		list, err := core.Workflow.List(cmd.Context(), status, approvalLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No approval requests.")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-10s %-15s %-20s %-20s %s\n", "ID", "STATUS", "ACTION", "TARGET", "REQUESTED BY", "EXPIRES")
		for _, r := range list {
			target := r.TargetID
			if target == "" {
				target = fmt.Sprintf("%d items", len(r.Payload.TargetIDs))
			}
			fmt.Fprintf(out, "%-36s %-10s %-15s %-20s %-20s %s\n",
				r.ID,
				r.Status,
				r.Action,
				truncate(target, 20),
				truncate(r.RequestedBy, 20),
				r.ExpiresAt.UTC().Format("2006-01-02 15:04"),
			)
		}
		return nil
	})
}

func runApprovalsDecide(cmd *cobra.Command, args []string) error {
	var outcome model.ApprovalStatus
	switch strings.ToLower(args[1]) {
	case "approve", "approved":
		outcome = model.StatusApproved
	case "reject", "rejected":
		outcome = model.StatusRejected
	default:
		return fmt.Errorf("decision must be approve or reject, got %q", args[1])
	}

	decider := model.Actor{ID: deciderID, Email: deciderEmail}
	meta := cliMeta()
	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		res, err := core.Governor.Decide(cmd.Context(), decider, meta, args[0], outcome, decisionNote)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Request %s %s by %s\n", res.Request.ID, res.Request.Status, decider.ID)
		switch {
		case res.Executed:
			fmt.Fprintf(out, "Executed %s\n", res.Request.Action)
		case res.ExecutionErr != nil:
			fmt.Fprintf(cmd.ErrOrStderr(), "Approved but not executed: %v\n", res.ExecutionErr)
		}
		return nil
	})
}

// cliMeta attributes CLI decisions to the local host and user.
func cliMeta() model.RequestMeta {
	host, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	return model.RequestMeta{ClientIP: "127.0.0.1", SessionID: "cli:" + user + "@" + host}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
