package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bosley/healthas/appointments"
	"github.com/bosley/healthas/orchestrator"
)

const listLayout = "Mon Jan 2 2006 15:04"

func newAppointmentsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "appointments",
		Aliases: []string{"appt"},
		Short:   "Manage appointments",
	}

	cmd.AddCommand(newAppointmentsListCmd(opts))
	cmd.AddCommand(newAppointmentsCreateCmd(opts))
	cmd.AddCommand(newAppointmentsUpdateCmd(opts))
	cmd.AddCommand(newAppointmentsDeleteCmd(opts))

	return cmd
}

func newAppointmentsListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List appointments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := opts.newOrchestrator(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer orch.Close(context.Background())

			if err := orch.OpenAppointments(cmd.Context()); err != nil {
				return err
			}
			return opts.printAppointments(cmd.OutOrStdout(), orch.Appointments())
		},
	}
}

func newAppointmentsCreateCmd(opts *options) *cobra.Command {
	var at, purpose string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule an appointment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := opts.newOrchestrator(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer orch.Close(context.Background())

			draft := orch.Draft()
			if cmd.Flags().Changed("at") {
				draft.ScheduledAt = at
			}
			draft.Purpose = purpose
			orch.EditDraft(draft)

			if err := orch.CreateAppointment(cmd.Context()); err != nil {
				return err
			}
			warnBanner(cmd, orch)
			return opts.printAppointments(cmd.OutOrStdout(), orch.Appointments())
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "local date and time, "+appointments.DraftLayout+" (default: 30 minutes from now)")
	cmd.Flags().StringVar(&purpose, "purpose", "", "reason for the visit")
	return cmd
}

func newAppointmentsUpdateCmd(opts *options) *cobra.Command {
	var at, purpose string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an appointment's time or purpose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p appointments.Patch
			if cmd.Flags().Changed("at") {
				p.ScheduledAt = &at
			}
			if cmd.Flags().Changed("purpose") {
				p.Purpose = &purpose
			}

			orch, err := opts.newOrchestrator(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer orch.Close(context.Background())

			if err := orch.UpdateAppointment(cmd.Context(), args[0], p); err != nil {
				return err
			}
			warnBanner(cmd, orch)
			return opts.printAppointments(cmd.OutOrStdout(), orch.Appointments())
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "new local date and time, "+appointments.DraftLayout)
	cmd.Flags().StringVar(&purpose, "purpose", "", "new reason for the visit")
	return cmd
}

func newAppointmentsDeleteCmd(opts *options) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Cancel an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("deletion not confirmed, pass --yes")
			}

			orch, err := opts.newOrchestrator(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer orch.Close(context.Background())

			if err := orch.DeleteAppointment(cmd.Context(), args[0], yes); err != nil {
				return err
			}
			warnBanner(cmd, orch)
			return opts.printAppointments(cmd.OutOrStdout(), orch.Appointments())
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}

// warnBanner surfaces a failed follow-up refresh.
func warnBanner(cmd *cobra.Command, orch *orchestrator.Orchestrator) {
	if banner := orch.View().Banner; banner != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), banner)
	}
}

func (o *options) printAppointments(w io.Writer, records []appointments.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No appointments")
		return err
	}

	loc, err := o.cfg.Location()
	if err != nil {
		loc = time.Local
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tPURPOSE\tSTATUS")
	for _, r := range records {
		when := "-"
		if !r.ScheduledAt.IsZero() {
			when = r.ScheduledAt.In(loc).Format(listLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, when, r.Purpose, r.Status)
	}
	return tw.Flush()
}
