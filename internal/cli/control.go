package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"acqd/internal/action"
	"acqd/internal/transport/httpapi"
)

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running action, the queue and schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := o.client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st httpapi.StatusResponse) {
	state := "running"
	if st.Paused {
		state = "paused"
	}
	fmt.Fprintf(w, "Dispatcher: %s (uptime %s, %d submitted)\n", state, st.Uptime, st.Submitted)
	if c := st.Current; c != nil {
		fmt.Fprintf(w, "Current:    %s %s (started %s)\n", c.ID, c.Target, c.StartedAt.Format(time.TimeOnly))
	} else {
		fmt.Fprintln(w, "Current:    -")
	}

	fmt.Fprintf(w, "Queue:      %d\n", len(st.Queue))
	if len(st.Queue) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tFUNCTION\tNICE\tSOURCE\tEXPIRES")
		for _, a := range st.Queue {
			fmt.Fprintf(tw, "  %s\t%s\t%g\t%s\t%s\n", a.ID, a.Target, a.Priority, orDash(a.Source), a.ExpiresAt.Format(time.DateTime))
		}
		_ = tw.Flush()
	}

	if len(st.Schedules) > 0 {
		fmt.Fprintln(w, "Schedules:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  NAME\tSPEC\tFUNCTION\tNEXT\tFIRED")
		for _, s := range st.Schedules {
			next := "-"
			if !s.Next.IsZero() {
				next = s.Next.Format(time.DateTime)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d\n", s.Name, s.Spec, s.Target, next, s.Fired)
		}
		_ = tw.Flush()
	}
}

func newPauseCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop starting queued actions; the running one is unaffected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.client.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "dispatcher paused")
			return nil
		},
	}
}

func newResumeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching after a pause or a watchdog trip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.client.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "dispatcher resumed")
			return nil
		},
	}
}

func newOutcomesCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List journaled action outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := o.client.Outcomes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			printOutcomes(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum rows (server default when 0)")
	return cmd
}

func printOutcomes(w io.Writer, out []action.Outcome) {
	if len(out) == 0 {
		fmt.Fprintln(w, "no outcomes")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFUNCTION\tSTATE\tFINISHED\tERROR")
	for _, o := range out {
		finished := "-"
		if !o.FinishedAt.IsZero() {
			finished = o.FinishedAt.Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.ID, o.Target, o.State, finished, orDash(o.Error))
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
