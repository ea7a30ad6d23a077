package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/hiplan/pkg/agent"
)

var (
	runMaxIterations int
	runMaxDuration   time.Duration
	runOutput        string
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Plan and execute a single goal",
	Long: `Run one session in-process without the gateway and print its result.
The command exits non-zero when the session fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

func init() {
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration budget (default session.max_iterations)")
	runCmd.Flags().DurationVar(&runMaxDuration, "max-duration", 0, "time budget (default session.max_duration)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format (text, json)")
	rootCmd.AddCommand(runCmd)
}

func runGoal(cmd *cobra.Command, args []string) error {
	goal := strings.TrimSpace(strings.Join(args, " "))
	if goal == "" {
		return errors.New("goal is required")
	}
	if runOutput != "text" && runOutput != "json" {
		return fmt.Errorf("unsupported output format %q", runOutput)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Gateway.Enabled = false
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := startDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer stopDaemon(d)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := d.Controller()
	id, err := controller.StartSession(ctx, goal, agent.Budget{
		MaxIterations: runMaxIterations,
		MaxDuration:   runMaxDuration,
	})
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	res, err := controller.Wait(ctx, id)
	if err != nil {
		_ = controller.Cancel(id)
		return fmt.Errorf("session %s interrupted: %w", id, err)
	}

	if err := printResult(cmd.OutOrStdout(), res, runOutput); err != nil {
		return err
	}
	if res.Status != agent.StateCompleted {
		return fmt.Errorf("session %s %s: %s", id, strings.ToLower(string(res.Status)), failureReason(res))
	}
	return nil
}

func printResult(w io.Writer, res agent.Result, format string) error {
	if format == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "Session: %s\n", res.SessionID)
	fmt.Fprintf(w, "Status: %s\n", res.Status)
	fmt.Fprintf(w, "Iterations: %d\n", res.Iterations)
	if !res.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", formatDuration(res.FinishedAt.Sub(res.CreatedAt)))
	}
	if res.Status != agent.StateCompleted {
		fmt.Fprintf(w, "Reason: %s\n", failureReason(res))
	}
	if res.Output != "" {
		fmt.Fprintf(w, "Output:\n%s\n", res.Output)
	}
	return nil
}

func failureReason(res agent.Result) string {
	switch {
	case res.Reason != "" && res.Error != "":
		return res.Reason + ": " + res.Error
	case res.Reason != "":
		return res.Reason
	case res.Error != "":
		return res.Error
	default:
		return "unknown"
	}
}
