package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/httpapi"
	"github.com/fyrsmithlabs/specd/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline status API and metrics",
	Long: `Start a standalone specd HTTP server. It exposes persisted stage
telemetry and synthesis documents, plus /health and Prometheus /metrics.
Run endpoints only see runs launched in this process; to halt a live
pipeline over HTTP, start it with "specd auto --serve" and point
"specd halt" at that process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	manager := pipeline.NewManager()
	a, err := newApp(manager.IsHalted)
	if err != nil {
		return err
	}
	defer a.close()

	server, err := httpapi.NewServer(&a.cfg.Server, manager, a.emitter, a.synthesizer, a.logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return server.Start(ctx)
}
