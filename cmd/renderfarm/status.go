package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"renderfarm/internal/models"
)

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts and jobs in the namespace",
		Long:  "Reads the status store once and prints per-status task counts and every dispatched job. Use --watch to refresh every 5 seconds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, watch bool) error {
	ctx := cmd.Context()
	log := newLogger(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	be, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.Close()

	out := cmd.OutOrStdout()
	for {
		counts, err := be.store.Counts(ctx)
		if err != nil {
			return err
		}
		jobs, err := be.dispatcher.Jobs(ctx)
		if err != nil {
			return err
		}
		pending, err := be.dispatcher.Pending(ctx)
		if err != nil {
			return err
		}

		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}
		writeStatus(out, cfg.Namespace, counts, pending, jobs, time.Now())

		if !watch {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func writeStatus(out io.Writer, namespace string, counts models.Counts, pending int64, jobs []models.Job, now time.Time) {
	fmt.Fprintf(out, "namespace %s: %s, %s waiting on the queue\n", namespace, counts, humanize.Comma(pending))
	if len(jobs) == 0 {
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tDONE\tTOTAL\tSTATE\tCREATED")
	for _, j := range jobs {
		state := "running"
		if j.Finished() {
			state = "finished"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", j.ID, j.Done, j.Total, state, humanize.RelTime(j.CreatedAt, now, "ago", "from now"))
	}
	_ = tw.Flush()
}
