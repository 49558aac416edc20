package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luwei/quantflow/internal/api"
	"github.com/luwei/quantflow/internal/api/handlers"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Starts the REST API server.

Endpoints:
  GET    /health                   - Health check
  GET    /metrics                  - Prometheus metrics
  GET    /api/results              - List persisted run IDs
  GET    /api/results/{id}         - Full run result
  POST   /api/backtest             - Start a run asynchronously
  GET    /api/backtest/{token}     - Run status
  DELETE /api/backtest/{token}     - Cancel a run
  GET    /api/backtest/{token}/ws  - Progress stream (websocket)

Example:
  go run ./cmd/quantflow api
  go run ./cmd/quantflow api --port 8086`,
	RunE: runAPIServer,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)

	apiCmd.Flags().StringVar(&apiPort, "port", "", "API server port (default: PORT env)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== quantflow API Server ===")

	ctx := cmd.Context()
	d, err := initDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if apiPort != "" {
		d.cfg.Port = apiPort
	}

	orch, results, err := d.newOrchestrator()
	if err != nil {
		return err
	}

	router := api.NewRouter(
		handlers.NewResultsHandler(results, d.logger),
		handlers.NewBacktestHandler(orch, d.logger),
		d.cfg.MetricsEnabled,
		d.logger,
	)
	server := api.New(d.cfg, d.logger, router)

	go func() {
		if err := server.Start(); err != nil {
			d.logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	fmt.Printf("\n✅ Server running on http://localhost:%s\n", d.cfg.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	d.logger.Info("Server stopped")
	return nil
}
