package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/MeKo-Tech/qranno/internal/config"
	"github.com/MeKo-Tech/qranno/internal/layout"
	"github.com/MeKo-Tech/qranno/internal/pdf"
	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/preview"
	"github.com/MeKo-Tech/qranno/internal/report"
	"github.com/spf13/cobra"
)

// newBuilder returns the worker builder used by annotate and serve. Tests
// replace it to run without a PDF backend.
var newBuilder = pipeline.NewBuilder

// annotateCmd represents the annotate command.
var annotateCmd = &cobra.Command{
	Use:   "annotate <input.pdf>",
	Short: "Annotate the QR codes of a PDF document",
	Long: `Scan the selected pages of a PDF document for QR codes and write an annotated
copy. Every code gets a highlighted region, a numbered label and a comment
holding its payload; URL payloads also become clickable links. Summary pages
listing all codes are appended unless --no-summary is given.

Pages are selected with 1-based ranges such as "1-3,5"; "all" or an empty
selector scans every page. Press Ctrl-C to cancel; the page in progress is
finished first and no output is written.

Examples:
  qranno annotate flyer.pdf
  qranno annotate flyer.pdf -o out.pdf --pages 2-4
  qranno annotate flyer.pdf --report codes.csv --report-format csv
  qranno annotate flyer.pdf --preview-dir previews --scale 4
  qranno annotate flyer.pdf -o - > annotated.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runAnnotate,
}

func runAnnotate(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	input := args[0]

	scale := cfg.Render.Scale
	if cmd.Flags().Changed("scale") {
		scale, _ = cmd.Flags().GetFloat64("scale")
	}
	if scale <= 0 || scale > config.MaxScale {
		return fmt.Errorf("invalid scale: %v (must be in (0, %v])", scale, config.MaxScale)
	}

	pages := cfg.Render.Pages
	if cmd.Flags().Changed("pages") {
		pages, _ = cmd.Flags().GetString("pages")
	}
	if strings.EqualFold(strings.TrimSpace(pages), "all") {
		pages = ""
	}

	output := cfg.Output.File
	if cmd.Flags().Changed("output") {
		output, _ = cmd.Flags().GetString("output")
	}
	if output == "" {
		output = filepath.Join(filepath.Dir(input), pipeline.AnnotatedName(input))
	}

	reportPath := cfg.Output.Report
	if cmd.Flags().Changed("report") {
		reportPath, _ = cmd.Flags().GetString("report")
	}
	if output == "-" && reportPath == "-" {
		return errors.New("--output and --report cannot both write to standard output")
	}
	reportFormat := cfg.Output.ReportFormat
	if cmd.Flags().Changed("report-format") {
		reportFormat, _ = cmd.Flags().GetString("report-format")
	} else if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(reportPath)), "."); slices.Contains(report.Formats(), ext) {
		reportFormat = ext
	}
	if _, err := report.Format(&report.Report{}, reportFormat); errors.Is(err, report.ErrUnknownFormat) {
		return err
	}

	previewDir := cfg.Output.PreviewDir
	if cmd.Flags().Changed("preview-dir") {
		previewDir, _ = cmd.Flags().GetString("preview-dir")
	}

	pc := cfg.ToPipelineConfig()
	if cmd.Flags().Changed("no-summary") {
		noSummary, _ := cmd.Flags().GetBool("no-summary")
		pc.Summary = !noSummary
	}
	if cmd.Flags().Changed("title") {
		pc.Title, _ = cmd.Flags().GetString("title")
	}
	if cmd.Flags().Changed("font") {
		pc.Font, _ = cmd.Flags().GetString("font")
	}

	var timeout time.Duration
	if cmd.Flags().Changed("timeout") {
		timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	// Standard output carries the document; keep it free of log lines.
	if output == "-" {
		setupLogging(cmd.ErrOrStderr(), cfg)
	}
	logger := slog.Default()

	listeners := []pipeline.Listener{pipeline.NewLogListener(logger, slog.LevelDebug, "")}
	if !noProgress {
		listeners = append(listeners, pipeline.NewConsoleListener(cmd.ErrOrStderr(), "Scanning: "))
	}

	builder := newBuilder().
		WithConfig(pc).
		WithLogger(logger).
		WithListener(pipeline.NewMultiListener(listeners...))
	if previewDir != "" {
		pw := preview.NewWriter(previewDir, layout.NewPlanner(pdf.FontMeasurer{}))
		pw.Logger = logger
		builder = builder.WithPageHook(pw.Hook())
	}

	worker, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	job, _, err := worker.Start(pipeline.Request{Path: input, Pages: pages, Scale: scale, Timeout: timeout})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Cancellation requested")
			job.Cancel()
		case <-job.Done():
		}
	}()

	out, err := job.Wait(context.Background())
	if err != nil {
		return err
	}

	switch out.State {
	case pipeline.StateCancelled:
		return fmt.Errorf("%w after %d page(s)", pipeline.ErrCancelled, len(out.Result.Pages))
	case pipeline.StateFailed:
		return out.Err
	}

	if err := writeOutput(cmd.OutOrStdout(), output, out.Output); err != nil {
		return err
	}
	logger.Info("Annotated document written",
		"output", output, "codes", out.Result.Detections(), "duration", out.Duration)

	if reportPath != "" {
		r := report.New(input, job.Pages(), out.Export)
		if err := writeReport(cmd.OutOrStdout(), reportPath, r, reportFormat); err != nil {
			return err
		}
	}
	return nil
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func writeReport(stdout io.Writer, path string, r *report.Report, format string) error {
	if path == "-" {
		return report.Write(stdout, r, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := report.Write(f, r, format); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

func init() {
	rootCmd.AddCommand(annotateCmd)

	annotateCmd.Flags().String("pages", "", "pages to scan, e.g. \"1-3,5\" (default all)")
	annotateCmd.Flags().Float64("scale", pipeline.DefaultScale, "render scale in pixels per point")
	annotateCmd.Flags().StringP("output", "o", "", "output file (default <input>_annotated.pdf, \"-\" for stdout)")
	annotateCmd.Flags().String("report", "", "write a detection report to this file (\"-\" for stdout)")
	annotateCmd.Flags().String("report-format", report.FormatJSON,
		"report format ("+strings.Join(report.Formats(), ", ")+")")
	annotateCmd.Flags().String("preview-dir", "", "write a PNG preview per scanned page into this directory")
	annotateCmd.Flags().Bool("no-summary", false, "do not append summary pages")
	annotateCmd.Flags().String("title", "", "title of the summary pages")
	annotateCmd.Flags().String("font", "", "TrueType font for summary text outside Latin-1, e.g. a CJK font")
	annotateCmd.Flags().Duration("timeout", 0, "abort the run after this duration (0 = no limit)")
	annotateCmd.Flags().Bool("no-progress", false, "hide the progress bar")
}
