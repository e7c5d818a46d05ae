package main

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"renderfarm/internal/config"
	"renderfarm/internal/httpapi"
	"renderfarm/internal/marketplace"
	"renderfarm/internal/monitor"
	"renderfarm/internal/nodes"
	"renderfarm/internal/orchestrator"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/pkg/shutdown"
)

func newRunCmd() *cobra.Command {
	var (
		maxNodes   int
		maxPrice   float64
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "run MANIFEST",
		Short: "Dispatch a job, rent nodes and monitor it to completion",
		Long: "Reads a job manifest, dispatches its tasks (or attaches to the job already in flight), " +
			"rents up to max_nodes nodes under max_price, monitors the job until no task is queued or " +
			"running, then destroys every node. Ctrl-C destroys the nodes before exiting.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, args[0], maxNodes, maxPrice, statusAddr)
		},
	}

	cmd.Flags().IntVar(&maxNodes, "max-nodes", 0, "override the manifest's max_nodes")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "override the manifest's max_price (per hour)")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve the status API on this address (overrides STATUS_ADDR)")
	return cmd
}

func runJob(cmd *cobra.Command, manifestPath string, maxNodes int, maxPrice float64, statusAddr string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	log := newLogger(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if statusAddr != "" {
		cfg.StatusAddr = statusAddr
	}

	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	if maxNodes > 0 {
		manifest.MaxNodes = maxNodes
	}
	if maxPrice > 0 {
		manifest.MaxPrice = maxPrice
	}
	label := manifest.Label
	if label == "" {
		label = cfg.Namespace
	}

	be, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.Close()

	mcfg := cfg.Marketplace()
	mcfg.Log = log
	pool := nodes.NewManager(marketplace.New(mcfg), log, nodes.WithTeardownDelay(cfg.TeardownDelay))

	mon := monitor.New(be.store, be.dispatcher, monitor.Config{
		PollInterval:   cfg.PollInterval,
		StaleThreshold: cfg.StaleThreshold,
		Out:            out,
		Log:            log,
	})

	interrupts := shutdown.NewManager(log, cfg.ShutdownTimeout)

	if cfg.StatusAddr != "" {
		stop := serveStatus(cfg.StatusAddr, httpapi.Deps{
			Store:    be.store,
			Monitor:  mon,
			Nodes:    pool,
			Jobs:     be.dispatcher,
			Provider: cfg.Storage.Provider,
			Log:      log,
		}, log)
		defer stop()
	}

	orch := orchestrator.New(orchestrator.Deps{
		Dispatcher: be.dispatcher,
		Nodes:      pool,
		Monitor:    mon,
		Interrupts: interrupts,
		Out:        out,
		Log:        log,
	})

	_, err = orch.RunJob(ctx, orchestrator.Job{
		Params:   manifest.Params,
		Callback: manifest.Callback,
		Rent: nodes.RentRequest{
			MaxPrice: manifest.MaxPrice,
			MaxNodes: manifest.MaxNodes,
			Image:    manifest.Image,
			Env:      orchestrator.WorkerEnv(manifest.Env, cfg.Storage.Env(), cfg.Redis.NodeURL(), cfg.Namespace),
			DiskGB:   manifest.DiskGB,
			OnStart:  manifest.OnStart,
			Label:    label,
			Filters:  manifest.Filters,
		},
	})
	return err
}

// serveStatus starts the status API and returns a function that stops it.
func serveStatus(addr string, deps httpapi.Deps, log *logger.Logger) func() {
	server := &http.Server{
		Addr:         addr,
		Handler:      httpapi.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("status API listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status API failed", "error", err.Error())
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
