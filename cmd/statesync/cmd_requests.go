package main

import (
	"fmt"
	"io"

	"statesync/internal/collections"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	requestsPendingOnly bool
	requestReason       string
	decisionBy          string
	rejectNote          string
)

// requestsCmd groups access request commands
var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List, submit and decide access requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List access requests",
	Args:  cobra.NoArgs,
	RunE:  withSession(runRequestsList),
}

var requestsSubmitCmd = &cobra.Command{
	Use:   "submit AREA REQUESTER",
	Short: "Submit a new access request for the --program",
	Args:  cobra.ExactArgs(2),
	RunE:  withSession(runRequestsSubmit),
}

var requestsApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending access request",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runRequestsDecide(true)),
}

var requestsRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending access request",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runRequestsDecide(false)),
}

func init() {
	requestsListCmd.Flags().BoolVar(&requestsPendingOnly, "pending", false, "Only show pending requests for the --program")
	requestsSubmitCmd.Flags().StringVar(&requestReason, "reason", "", "Why access is needed")
	requestsApproveCmd.Flags().StringVar(&decisionBy, "by", "operator", "Who decided")
	requestsRejectCmd.Flags().StringVar(&decisionBy, "by", "operator", "Who decided")
	requestsRejectCmd.Flags().StringVar(&rejectNote, "note", "", "Note for the requester")

	requestsCmd.AddCommand(requestsListCmd, requestsSubmitCmd, requestsApproveCmd, requestsRejectCmd)
}

func runRequestsList(cmd *cobra.Command, args []string, s *session) error {
	stores, err := s.stores()
	if err != nil {
		return err
	}

	var list []collections.AccessRequest
	if requestsPendingOnly {
		program, _ := collections.ParseProgram(programName)
		list = stores.Requests.Pending(program)
	} else {
		list = stores.Requests.List()
	}

	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No access requests."))
		return nil
	}
	for _, r := range list {
		printRequest(cmd.OutOrStdout(), r)
	}
	return nil
}

func runRequestsSubmit(cmd *cobra.Command, args []string, s *session) error {
	program, err := collections.ParseProgram(programName)
	if err != nil {
		return err
	}
	r, err := collections.NewAccessRequestStore(s.ch).Submit(program, args[0], args[1], requestReason)
	if err != nil {
		return err
	}
	logger.Info("Access request submitted", zap.String("id", r.ID), zap.String("area", r.Area))
	printRequest(cmd.OutOrStdout(), r)
	return nil
}

func runRequestsDecide(approve bool) func(*cobra.Command, []string, *session) error {
	return func(cmd *cobra.Command, args []string, s *session) error {
		requests := collections.NewAccessRequestStore(s.ch)

		var r collections.AccessRequest
		var err error
		if approve {
			r, err = requests.Approve(args[0], decisionBy)
		} else {
			r, err = requests.Reject(args[0], decisionBy, rejectNote)
		}
		if err != nil {
			return err
		}
		logger.Info("Access request decided", zap.String("id", r.ID), zap.String("status", string(r.Status)))
		printRequest(cmd.OutOrStdout(), r)
		return nil
	}
}

func printRequest(w io.Writer, r collections.AccessRequest) {
	fmt.Fprintf(w, "%s  %s  %s/%s  %s", keyStyle.Render(r.ID), badge(string(r.Status)), r.Program, r.Area, r.Requester)
	if r.Reason != "" {
		fmt.Fprintf(w, "  %q", r.Reason)
	}
	if r.DecidedBy != "" {
		fmt.Fprintf(w, "  %s", mutedStyle.Render("by "+r.DecidedBy))
	}
	if r.Note != "" {
		fmt.Fprintf(w, "  %s", mutedStyle.Render(r.Note))
	}
	fmt.Fprintln(w)
}
