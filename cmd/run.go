package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/copresence/internal/metrics"
	"github.com/sells-group/copresence/internal/pipeline"
	"github.com/sells-group/copresence/internal/report"
	"github.com/sells-group/copresence/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Score devices from a visits file",
	Long: `Run the full pipeline on a visits file: per-layer co-presence edges,
dyad aggregation, functional bandwidth scores, nested outcome models and
threshold detection. Outcome models run only when a devices file supplies
outcomes (or SES quintiles to derive them from).

Examples:
  # Score and print a summary table
  copresence run --visits visits.csv

  # Join outcomes, save the run, write scores and a yaml report
  copresence run --visits visits.csv --devices devices.csv --save \
    --scores scores.csv --format yaml --output report.yaml`,
	RunE: runPipeline,
}

func init() {
	f := runCmd.Flags()
	f.String("visits", "", "visits file (csv, tsv, xlsx or json)")
	f.String("devices", "", "devices file with outcome covariates")
	f.String("output", "", "report output path (default: stdout)")
	f.String("format", "table", "report format: table, json or yaml")
	f.String("scores", "", "write the score table as CSV to this path")
	f.Bool("save", false, "persist the run, scores and dyads to the configured store")
	f.Float64("window", 0, "proximity window in minutes (overrides config)")
	f.StringSlice("layers", nil, "layer set (overrides config)")
	f.String("metrics-file", "", "write Prometheus metrics to this textfile after the run")
	_ = runCmd.MarkFlagRequired("visits")

	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	visitsPath, _ := cmd.Flags().GetString("visits")
	devicesPath, _ := cmd.Flags().GetString("devices")
	outputPath, _ := cmd.Flags().GetString("output")
	formatName, _ := cmd.Flags().GetString("format")
	scoresPath, _ := cmd.Flags().GetString("scores")
	save, _ := cmd.Flags().GetBool("save")
	metricsPath, _ := cmd.Flags().GetString("metrics-file")

	format, err := report.ParseFormat(formatName)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetFloat64("window"); v != 0 {
		cfg.Pipeline.WindowMinutes = v
	}
	if v, _ := cmd.Flags().GetStringSlice("layers"); len(v) > 0 {
		cfg.Pipeline.Layers = v
	}
	if metricsPath == "" {
		metricsPath = cfg.Metrics.TextfilePath
	}

	var st store.Store
	if save {
		st, err = initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
	}

	log := zap.L().With(zap.String("command", "run"))
	res, runErr := pipeline.New(cfg, st).Run(ctx, pipeline.Input{
		VisitsPath:  visitsPath,
		DevicesPath: devicesPath,
	})

	if metricsPath != "" {
		if err := metrics.WriteTextfile(metricsPath); err != nil {
			log.Warn("run: metrics export failed", zap.Error(err))
		}
	}

	// A failed run still reports whatever stages finished.
	if res != nil {
		doc := report.FromResult(res)
		if err := writeOutput(outputPath, func(w io.Writer) error {
			return report.Write(w, doc, format)
		}); err != nil {
			return err
		}
		if scoresPath != "" && res.Score != nil {
			if err := writeOutput(scoresPath, func(w io.Writer) error {
				return report.WriteScoresCSV(w, res.Score.Table.Rows)
			}); err != nil {
				return err
			}
			log.Info("run: scores written", zap.String("path", scoresPath), zap.Int("rows", len(res.Score.Table.Rows)))
		}
	}

	if runErr != nil {
		return eris.Wrap(runErr, "run")
	}
	return nil
}

// writeOutput opens path (stdout when empty) and hands it to write.
func writeOutput(path string, write func(io.Writer) error) error {
	if path == "" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := write(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}
