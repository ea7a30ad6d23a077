package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harun/hiplan/internal/config"
	"github.com/harun/hiplan/pkg/tracestore"
)

var (
	traceFormat string
	traceQuery  string
	traceLimit  int
)

var traceCmd = &cobra.Command{
	Use:   "trace [session-id]",
	Short: "Show the recorded trace of a session",
	Long: `Print the archived summary, step records and latest plan of a session
from the trace store. With --query, records similar to the query are
ranked instead; without a session ID every session is searched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().StringVarP(&traceFormat, "format", "f", "text", "output format (text, json, yaml)")
	traceCmd.Flags().StringVarP(&traceQuery, "query", "q", "", "rank records by similarity to this text")
	traceCmd.Flags().IntVar(&traceLimit, "limit", 10, "maximum number of matches for --query")
	rootCmd.AddCommand(traceCmd)
}

// traceReport is what trace prints.
type traceReport struct {
	Session *tracestore.SessionRecord `json:"session,omitempty"`
	Records []tracestore.StepRecord   `json:"records,omitempty"`
	Plan    json.RawMessage           `json:"plan,omitempty"`
	Matches []tracestore.SearchResult `json:"matches,omitempty"`
}

func runTrace(cmd *cobra.Command, args []string) error {
	switch traceFormat {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported format %q", traceFormat)
	}

	var sessionID string
	if len(args) == 1 {
		sessionID = strings.TrimSpace(args[0])
	}
	if sessionID == "" && traceQuery == "" {
		return errors.New("a session ID or --query is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := buildTraceReport(cmd, store, sessionID)
	if err != nil {
		return err
	}
	return writeTraceReport(cmd.OutOrStdout(), report, traceFormat)
}

func openStore(ctx context.Context, cfg *config.Config) (tracestore.Store, error) {
	embedder, err := tracestore.NewEmbedder(
		cfg.Store.Embedding.Provider,
		cfg.Store.Embedding.Model,
		cfg.Store.Embedding.Dimension,
		cfg.Generation.APIKey,
		cfg.Generation.BaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	store, err := tracestore.Open(ctx, tracestore.Config{
		Driver:       cfg.Store.Driver,
		Path:         cfg.Store.Path,
		DSN:          cfg.Store.DSN,
		Embedder:     embedder,
		EmbedTimeout: cfg.Store.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trace store: %w", err)
	}
	return store, nil
}

func buildTraceReport(cmd *cobra.Command, store tracestore.Store, sessionID string) (traceReport, error) {
	ctx := cmd.Context()
	var report traceReport

	if traceQuery != "" {
		matches, err := store.Search(ctx, sessionID, traceQuery, traceLimit)
		if err != nil {
			return report, fmt.Errorf("failed to search traces: %w", err)
		}
		report.Matches = matches
		return report, nil
	}

	sess, err := store.Session(ctx, sessionID)
	switch {
	case err == nil:
		report.Session = &sess
	case !errors.Is(err, tracestore.ErrNotFound):
		return report, fmt.Errorf("failed to load session: %w", err)
	}

	records, err := store.Records(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("failed to load records: %w", err)
	}
	if report.Session == nil && len(records) == 0 {
		return report, fmt.Errorf("session %s: %w", sessionID, tracestore.ErrNotFound)
	}
	report.Records = records

	snap, err := store.LatestSnapshot(ctx, sessionID)
	switch {
	case err == nil:
		report.Plan = snap.Tree
	case !errors.Is(err, tracestore.ErrNotFound):
		return report, fmt.Errorf("failed to load plan: %w", err)
	}
	return report, nil
}

func writeTraceReport(w io.Writer, report traceReport, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode trace: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil

	case "yaml":
		// Raw JSON fields would otherwise come out as byte lists.
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to encode trace: %w", err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to encode trace: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode trace: %w", err)
		}
		return enc.Close()
	}

	if traceQuery != "" {
		return writeMatches(w, report.Matches)
	}

	if s := report.Session; s != nil {
		fmt.Fprintf(w, "Session: %s\n", s.ID)
		fmt.Fprintf(w, "Goal: %s\n", s.Goal)
		fmt.Fprintf(w, "Status: %s\n", s.Status)
		if s.Reason != "" {
			fmt.Fprintf(w, "Reason: %s\n", s.Reason)
		}
		fmt.Fprintf(w, "Iterations: %d\n", s.Iterations)
		if s.Result != "" {
			fmt.Fprintf(w, "Result: %s\n", s.Result)
		}
		fmt.Fprintln(w)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tPHASE\tNODE\tOUTCOME\tDURATION\tDETAIL")
	for _, rec := range report.Records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.Seq, rec.Phase, orDash(rec.NodeID), rec.Outcome, rec.Duration.Round(time.Millisecond), recordDetail(rec))
	}
	return tw.Flush()
}

func writeMatches(w io.Writer, matches []tracestore.SearchResult) error {
	if len(matches) == 0 {
		fmt.Fprintln(w, "No matching records.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tSESSION\tSEQ\tPHASE\tNODE\tDETAIL")
	for _, m := range matches {
		fmt.Fprintf(tw, "%.3f\t%s\t%d\t%s\t%s\t%s\n",
			m.Score, m.Record.SessionID, m.Record.Seq, m.Record.Phase, orDash(m.Record.NodeID), recordDetail(m.Record))
	}
	return tw.Flush()
}

func recordDetail(rec tracestore.StepRecord) string {
	detail := string(rec.Output)
	if rec.Outcome == tracestore.OutcomeError {
		detail = rec.Error
		if rec.ErrorKind != "" {
			detail = rec.ErrorKind + ": " + detail
		}
	}
	detail = strings.Join(strings.Fields(detail), " ")
	if len(detail) > 80 {
		detail = detail[:77] + "..."
	}
	return orDash(detail)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
