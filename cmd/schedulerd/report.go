package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"

	"github.com/spf13/cobra"
)

const reportTimeLayout = "2006-01-02 15:04"

func newReportCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print scheduling activity",
	}
	cmd.AddCommand(newReportActivityCommand(ctx))
	cmd.AddCommand(newReportJobsCommand(ctx))
	return cmd
}

func newReportActivityCommand(ctx *commandContext) *cobra.Command {
	var (
		organizerID string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "List an organizer's reminder rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if organizerID == "" {
				return errors.New("--organizer is required")
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			logs, err := store.ListRemindLogs(cmd.Context(), organizerID, limit)
			if err != nil {
				return fmt.Errorf("list remind logs: %w", err)
			}
			if len(logs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no reminders sent")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderActivity(logs))
			return nil
		},
	}

	cmd.Flags().StringVar(&organizerID, "organizer", "", "Organizer user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newReportJobsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued delivery jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no delivery jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows")
	return cmd
}

func renderActivity(logs []models.RemindLog) string {
	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []string{
			l.CreatedAt.UTC().Format(reportTimeLayout),
			l.ThreadID,
			strconv.Itoa(l.RemindedCount),
			strings.Join(identity.Strings(l.InviteeKeys), ", "),
			truncate(l.Message, 40),
		})
	}
	return renderTable([]string{"Sent", "Thread", "Reminded", "Invitees", "Message"}, rows, 2)
}

func renderJobs(jobs []models.DeliveryJob) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.CreatedAt.UTC().Format(reportTimeLayout),
			j.Type,
			string(j.Channel),
			j.To,
			string(j.Status),
			truncate(j.Subject, 48),
		})
	}
	return renderTable([]string{"Queued", "Type", "Channel", "To", "Status", "Subject"}, rows)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
