package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/pipeline"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

func runCmd(open opener) *cobra.Command {
	var sample string
	var temperatures []float64
	var peaks int
	var guessPath string
	var force, overwrite bool
	var bottom, top, step float64

	c := &cobra.Command{
		Use:   "run",
		Short: "Aggregate, fit and export one or more temperatures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if sample == "" {
				sample = a.Config.Data.SampleID
			}
			if sample == "" {
				return fmt.Errorf("%w: --sample or SAMPLE_ID is required", models.ErrInvalidParameterRange)
			}

			guesses, err := readGuesses(guessPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("peaks") && guessPath != "" && peaks != guesses.PeakCount {
				return fmt.Errorf("%w: --peaks %d does not match guess file peak_count %d", models.ErrInvalidParameterRange, peaks, guesses.PeakCount)
			}
			if !cmd.Flags().Changed("peaks") {
				peaks = guesses.PeakCount
			}
			guesses.PeakCount = peaks

			batch := pipeline.BatchRequest{
				SampleID:     sample,
				Temperatures: temperatures,
				Range:        models.FrequencyRange{Bottom: bottom, Top: top, Step: step},
				PeakCount:    peaks,
				Guesses:      guesses,
				Kittel:       guesses.KittelOptions(),
				Force:        force,
				Overwrite:    overwrite,
			}
			report, err := a.Service.RunBatch(cmd.Context(), batch, logProgress)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if len(report.Failures) > 0 {
				return fmt.Errorf("%d of %d temperature(s) failed", len(report.Failures), len(temperatures))
			}
			return nil
		},
	}

	c.Flags().StringVarP(&sample, "sample", "s", "", "Sample ID (defaults to SAMPLE_ID)")
	c.Flags().Float64SliceVarP(&temperatures, "temperatures", "t", nil, "Temperatures in K (required)")
	c.Flags().IntVarP(&peaks, "peaks", "p", 0, "Peaks per frequency (defaults to the guess file peak_count), 0 to aggregate and interpolate only")
	c.Flags().StringVarP(&guessPath, "guesses", "g", "", "YAML guess file")
	c.Flags().BoolVar(&force, "force", false, "Rerun completed temperatures")
	c.Flags().BoolVar(&overwrite, "overwrite", false, "Supersede already exported frequencies")
	c.Flags().Float64Var(&bottom, "bottom", 0, "Lowest frequency in GHz (defaults to FREQ_BOTTOM_GHZ)")
	c.Flags().Float64Var(&top, "top", 0, "Highest frequency in GHz (defaults to FREQ_TOP_GHZ)")
	c.Flags().Float64Var(&step, "step", 0, "Frequency step in GHz (defaults to FREQ_STEP_GHZ)")

	_ = c.MarkFlagRequired("temperatures")
	c.MarkFlagsRequiredTogether("bottom", "top", "step")
	return c
}

func kittelCmd(open opener) *cobra.Command {
	var sample string
	var temperature float64

	c := &cobra.Command{
		Use:   "kittel",
		Short: "Print the Kittel summary of one temperature",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if sample == "" {
				sample = a.Config.Data.SampleID
			}
			results, err := a.Service.KittelResults(cmd.Context(), sample, temperature)
			if err != nil {
				return err
			}
			if results == nil {
				results = []models.KittelResult{}
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}

	c.Flags().StringVarP(&sample, "sample", "s", "", "Sample ID (defaults to SAMPLE_ID)")
	c.Flags().Float64VarP(&temperature, "temperature", "t", 0, "Temperature in K (required)")
	_ = c.MarkFlagRequired("temperature")
	return c
}

// readGuesses loads a guess file. An empty path yields an empty file, which
// makes every frequency warm-start from its predecessor.
func readGuesses(path string) (*pipeline.GuessFile, error) {
	if path == "" {
		return &pipeline.GuessFile{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open guess file: %w", err)
	}
	defer f.Close()
	return pipeline.LoadGuesses(f)
}

func logProgress(done, total int, temperature float64, err error) {
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("done", done).Int("total", total).Float64("temperature", temperature).Msg("Temperature processed")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
