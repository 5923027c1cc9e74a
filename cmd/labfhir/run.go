package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/labfhir/internal/core"
)

type runFlags struct {
	input       string
	fhirURL     string
	version     string
	dryRun      bool
	concurrency int
	rate        float64
	rejects     string
	jsonOut     bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one CSV file",
		Example: "  labfhir run -i nhanes_sample.csv --fhir-url https://fhir.example.org/r4\n" +
			"  labfhir run -i nhanes_sample.csv --dry-run --rejects rejected.csv",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.input, "input", "i", "", "CSV file to process (required)")
	flags.StringVar(&f.fhirURL, "fhir-url", "", "FHIR server base URL; overrides FHIR_BASE_URL")
	flags.StringVar(&f.version, "version", "", "Pipeline version stamped on resources; overrides PIPELINE_VERSION")
	flags.BoolVar(&f.dryRun, "dry-run", false, "Log payloads instead of submitting them")
	flags.IntVarP(&f.concurrency, "concurrency", "c", 0, "Transactions in flight; overrides FHIR_MAX_CONCURRENT")
	flags.Float64Var(&f.rate, "rate", 0, "Maximum transactions per second; overrides FHIR_RATE_LIMIT_RPS")
	flags.StringVar(&f.rejects, "rejects", "", "Write rejected rows to this CSV file")
	flags.BoolVar(&f.jsonOut, "json", false, "Print the run summary as JSON")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func (a *app) run(cmd *cobra.Command, f runFlags) error {
	flags := cmd.Flags()
	cfg := a.cfg
	if flags.Changed("fhir-url") {
		cfg.FHIR.BaseURL = f.fhirURL
	}
	if flags.Changed("version") {
		cfg.Pipeline.Version = f.version
	}
	if flags.Changed("dry-run") {
		cfg.Pipeline.DryRun = f.dryRun
	}
	if flags.Changed("concurrency") {
		cfg.FHIR.MaxConcurrent = f.concurrency
	}
	if flags.Changed("rate") {
		cfg.FHIR.RateLimit = f.rate
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, closeHistory, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer closeHistory()

	summary, err := svc.RunFile(ctx, f.input, core.UploadOptions{})
	if err != nil {
		slog.Error("run failed", "error", err, "code", core.MapError(err).Code)
		if core.IsUserFacing(err) {
			return errors.New(core.FormatUserError(err))
		}
		return err
	}

	if f.rejects != "" {
		if err := writeRejectsFile(f.rejects, summary); err != nil {
			return err
		}
		slog.Info("rejected rows written", "path", f.rejects, "rows", len(summary.Rejected))
	}

	if f.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	return printSummary(cmd.OutOrStdout(), summary)
}

func writeRejectsFile(path string, summary *core.RunSummary) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create rejects file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close rejects file: %w", cerr)
		}
	}()
	return core.WriteRejects(file, summary.Header, summary.Rejected)
}

func printSummary(w io.Writer, s *core.RunSummary) error {
	c := s.Counters
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", s.RunID)
	fmt.Fprintf(tw, "File:\t%s\n", s.FileName)
	fmt.Fprintf(tw, "Pipeline version:\t%s\n", s.PipelineVersion)
	fmt.Fprintf(tw, "Dry run:\t%t\n", s.DryRun)
	fmt.Fprintf(tw, "Total read:\t%d\n", c.TotalRead)
	fmt.Fprintf(tw, "Valid:\t%d\n", c.Validated)
	fmt.Fprintf(tw, "Invalid:\t%d\n", c.Invalid())
	fmt.Fprintf(tw, "Patients uploaded:\t%d\n", c.Patients)
	fmt.Fprintf(tw, "Observations uploaded:\t%d\n", c.Observations)
	fmt.Fprintf(tw, "Failed:\t%d\n", c.Failed)
	fmt.Fprintf(tw, "Duration:\t%s\n", s.Duration.Round(time.Millisecond))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Failures) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tPATIENT\tSTAGE\tERROR")
	for _, f := range s.Failures {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", f.Line, f.SourceID, f.Stage, f.Error)
	}
	return tw.Flush()
}
