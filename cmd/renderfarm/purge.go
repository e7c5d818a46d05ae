package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every key in the namespace",
		Long:  "Removes all task statuses, payloads, job records and queued ids under the namespace. Running workers lose their queue; use between jobs only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge deletes all job state; pass --yes to confirm")
			}
			return runPurge(cmd)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func runPurge(cmd *cobra.Command) error {
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

	n, err := be.store.Purge(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d keys from namespace %s\n", n, cfg.Namespace)
	return nil
}
