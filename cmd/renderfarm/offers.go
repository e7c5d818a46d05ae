package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"renderfarm/internal/config"
	"renderfarm/internal/marketplace"
	"renderfarm/internal/query"
)

func newOffersCmd() *cobra.Command {
	var (
		maxPrice float64
		queries  []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "offers",
		Short: "List rentable offers under a price ceiling",
		Long:  `Searches the marketplace without renting anything. Filters use the offer query language, e.g. --query 'gpu_ram>=16 num_gpus=1'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOffers(cmd, maxPrice, queries, limit)
		},
	}

	cmd.Flags().Float64Var(&maxPrice, "max-price", 1.0, "maximum price per hour")
	cmd.Flags().StringArrayVarP(&queries, "query", "q", nil, "offer filter clauses (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of offers to print (0 for all)")
	return cmd
}

func runOffers(cmd *cobra.Command, maxPrice float64, queries []string, limit int) error {
	log := newLogger(cmd)

	// Fail on bad syntax before touching the network; warnings go to stderr.
	_, warnings, err := query.Parse(queries...)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}

	cfg, err := config.LoadOrchestrator()
	if err != nil {
		return err
	}
	mcfg := cfg.Marketplace()
	mcfg.Log = log

	offers, err := marketplace.New(mcfg).SearchOffers(cmd.Context(), maxPrice, queries...)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no offers match")
		return nil
	}

	fmt.Fprint(cmd.OutOrStdout(), formatOffers(offers, limit))
	return nil
}

func formatOffers(offers []marketplace.Offer, limit int) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\t$/HR\tGPU\tGPU RAM\tTFLOPS\tRELIABILITY")
	for i, o := range offers {
		if limit > 0 && i >= limit {
			break
		}
		gpu := o.GPUName
		if o.NumGPUs > 1 {
			gpu = fmt.Sprintf("%dx %s", o.NumGPUs, o.GPUName)
		}
		fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\t%s\t%.3f\n",
			o.ID,
			o.PricePerHour,
			gpu,
			humanize.IBytes(uint64(o.GPURAM)*humanize.MiByte),
			humanize.FtoaWithDigits(o.TotalFlops, 1),
			o.Reliability,
		)
	}
	_ = tw.Flush()
	if limit > 0 && len(offers) > limit {
		fmt.Fprintf(&b, "... %d more\n", len(offers)-limit)
	}
	return b.String()
}
