package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/stepflow/api"
	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/loader"
	"github.com/petal-labs/stepflow/runstate"
	"github.com/petal-labs/stepflow/store"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow file to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial params as inline JSON string")
	cmd.Flags().String("state-dir", "", "Directory for run_state documents (default: a temp dir)")
	cmd.Flags().String("events-dir", "", "Directory for events.log files (default: none)")
	cmd.Flags().Bool("stub", false, "Use the deterministic stub engine instead of a real adapter")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	g, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitUsage, "file not found: %s", filePath)
		}
		return exitError(exitUsage, "%v", err)
	}

	var params map[string]any
	if input, _ := cmd.Flags().GetString("input"); input != "" {
		if err := json.Unmarshal([]byte(input), &params); err != nil {
			return exitError(exitUsage, "invalid --input JSON: %v", err)
		}
	}

	stateDir, _ := cmd.Flags().GetString("state-dir")
	if stateDir == "" {
		dir, err := os.MkdirTemp("", "stepflow-run-*")
		if err != nil {
			return exitError(exitFailed, "creating state dir: %v", err)
		}
		defer os.RemoveAll(dir)
		stateDir = dir
	}
	eventsDir, _ := cmd.Flags().GetString("events-dir")

	useStub, _ := cmd.Flags().GetBool("stub")
	var adapter engine.Adapter = engine.StubAdapter{}
	if !useStub {
		return exitError(exitUsage, "no real engine adapter wired; pass --stub for a deterministic dry run")
	}

	mgr := api.NewManager(api.Config{
		Engine:    adapter,
		States:    store.NewFileRunStateStore(stateDir),
		EventsDir: eventsDir,
		Bus:       bus.NewMemBus(bus.MemBusConfig{}),
	})
	mgr.RegisterFlow(g.ID, g)

	runID, _, err := mgr.CreateRun(g.ID, params)
	if err != nil {
		return exitError(exitFailed, "create_run: %v", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := mgr.Drive(ctx, runID); err != nil {
		return exitError(exitFailed, "drive: %v", err)
	}

	rs, _, err := mgr.GetState(runID)
	if err != nil {
		return exitError(exitFailed, "get_state: %v", err)
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rs); err != nil {
		return exitError(exitFailed, "encoding run state: %v", err)
	}

	return exitForStatus(rs.Status)
}

// exitForStatus maps a terminal RunState.Status to a process exit code:
// 0 success, 2 partial, 3 failed, 4 cancelled.
func exitForStatus(status runstate.Status) error {
	switch status {
	case runstate.StatusSucceeded:
		return nil
	case runstate.StatusPartial:
		return &ExitError{Code: exitPartial, Message: "run ended PARTIAL"}
	case runstate.StatusFailed:
		return &ExitError{Code: exitFailed, Message: "run ended FAILED"}
	case runstate.StatusCancelled:
		return &ExitError{Code: exitCancelled, Message: "run ended CANCELLED"}
	default:
		return fmt.Errorf("cli: run did not reach a terminal status (last: %s)", status)
	}
}
