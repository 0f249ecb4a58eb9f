package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/stepflow/api"
	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/kernel"
	"github.com/petal-labs/stepflow/loader"
	"github.com/petal-labs/stepflow/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <flow-file>...",
		Short: "Start the control-plane HTTP server",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("state-dir", "", "Directory for run_state documents (required)")
	cmd.Flags().String("events-dir", "", "Directory for events.log files (enables subscribe_events)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP collector host:port for trace export (disabled when empty)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	stateDir, _ := cmd.Flags().GetString("state-dir")
	if stateDir == "" {
		return exitError(exitUsage, "--state-dir is required")
	}
	eventsDir, _ := cmd.Flags().GetString("events-dir")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")

	var tracer kernel.Tracer
	if endpoint, _ := cmd.Flags().GetString("otlp-endpoint"); endpoint != "" {
		t, shutdown, err := setupTracing(cmd.Context(), endpoint)
		if err != nil {
			return exitError(exitFailed, "otel: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
		tracer = t
	}

	b := bus.NewMemBus(bus.MemBusConfig{})
	mgr := api.NewManager(api.Config{
		Engine:    engine.StubAdapter{},
		States:    store.NewFileRunStateStore(stateDir),
		EventsDir: eventsDir,
		Bus:       b,
		Tracer:    tracer,
	})

	for _, path := range args {
		g, err := loader.Load(path)
		if err != nil {
			return exitError(exitUsage, "loading %s: %v", path, err)
		}
		mgr.RegisterFlow(g.ID, g)
		fmt.Fprintf(cmd.OutOrStdout(), "registered flow %q from %s\n", g.ID, path)
	}

	var sse *api.SSEHandler
	if eventsDir != "" {
		sse = api.NewSSEHandler(eventsDir, b)
	}

	srv := api.NewServer(api.ServerConfig{Manager: mgr, SSE: sse, CORSOrigin: corsOrigin})

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		return exitError(exitFailed, "serve: %v", err)
	}
	return nil
}
