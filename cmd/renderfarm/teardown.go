package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"renderfarm/internal/marketplace"
	"renderfarm/internal/models"
	"renderfarm/internal/nodes"
)

func newTeardownCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Destroy every running instance carrying a label",
		Long:  "Recovers nodes left behind by an orchestrator that died without cleaning up. The label defaults to the namespace, which is what run uses when the manifest sets none.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTeardown(cmd, label)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "instance label (defaults to the namespace)")
	return cmd
}

func runTeardown(cmd *cobra.Command, label string) error {
	ctx := cmd.Context()
	log := newLogger(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if label == "" {
		label = cfg.Namespace
	}

	mcfg := cfg.Marketplace()
	mcfg.Log = log
	pool := nodes.NewManager(marketplace.New(mcfg), log, nodes.WithTeardownDelay(cfg.TeardownDelay))

	adopted, err := pool.Adopt(ctx, label)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(adopted) == 0 {
		fmt.Fprintf(out, "no instances labelled %q\n", label)
		return nil
	}

	fmt.Fprintf(out, "terminating %d nodes labelled %q\n", len(adopted), label)
	pool.TerminateNodes(ctx, adopted)

	var failed int
	for _, n := range pool.Snapshot() {
		if n.State != models.NodeTerminated {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d nodes could not be destroyed", failed, len(adopted))
	}
	return nil
}
