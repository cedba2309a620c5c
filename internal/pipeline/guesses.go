package pipeline

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// GuessProvider supplies peak guesses for one frequency. ok is false when
// the provider has nothing for it, in which case the run warm-starts from
// the previous frequency's fit.
type GuessProvider interface {
	Guesses(temperature, frequency float64, peakCount int) (guesses []models.PeakGuess, ok bool)
}

// GuessFile is the YAML guess document used by batch runs:
//
//	peak_count: 2
//	default:
//	  - {hr: 900, hw: 30}
//	  - {hr: 1600, hw: 40}
//	frequencies:
//	  "5": [{hr: 700, hw: 25}, {hr: 1400, hw: 35}]
//	temperatures:
//	  "10":
//	    "5": [{hr: 650, hw: 25}, {hr: 1350, hw: 35}]
//	kittel: {gamma: 2.8, meff: 1.2}
//	pssw:
//	  1: {gamma: 2.8, meff: 1.2, aex: 1.3e-11, mode_index: 1, thickness: 50}
type GuessFile struct {
	PeakCount    int                                      `yaml:"peak_count" json:"peak_count"`
	Default      []models.PeakGuess                       `yaml:"default" json:"default,omitempty"`
	Frequencies  map[string][]models.PeakGuess            `yaml:"frequencies" json:"frequencies,omitempty"`
	Temperatures map[string]map[string][]models.PeakGuess `yaml:"temperatures" json:"temperatures,omitempty"`
	Kittel       *models.KittelGuess                      `yaml:"kittel" json:"kittel,omitempty"`
	PSSW         map[int]models.KittelGuess               `yaml:"pssw" json:"pssw,omitempty"`
}

// LoadGuesses decodes and validates a guess document.
func LoadGuesses(r io.Reader) (*GuessFile, error) {
	var g GuessFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		if err == io.EOF {
			return &g, nil
		}
		return nil, fmt.Errorf("failed to decode guesses: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks peak counts of every listed guess set.
func (g *GuessFile) Validate() error {
	if g.PeakCount < 0 || g.PeakCount > models.MaxPeaks {
		return fmt.Errorf("%w: peak_count %d", models.ErrInvalidParameterRange, g.PeakCount)
	}
	check := func(where string, set []models.PeakGuess) error {
		if len(set) != g.PeakCount {
			return fmt.Errorf("%w: %s has %d guesses for %d peaks", models.ErrInvalidParameterRange, where, len(set), g.PeakCount)
		}
		return nil
	}
	if g.Default != nil {
		if err := check("default", g.Default); err != nil {
			return err
		}
	}
	for f, set := range g.Frequencies {
		if err := check("frequency "+f, set); err != nil {
			return err
		}
	}
	for t, byFreq := range g.Temperatures {
		for f, set := range byFreq {
			if err := check("temperature "+t+" frequency "+f, set); err != nil {
				return err
			}
		}
	}
	for band := range g.PSSW {
		if band < 0 || band >= g.PeakCount {
			return fmt.Errorf("%w: pssw band %d outside peak count %d", models.ErrInvalidParameterRange, band, g.PeakCount)
		}
	}
	return nil
}

// Guesses implements GuessProvider. Temperature-specific entries win over
// frequency entries, which win over the default.
func (g *GuessFile) Guesses(temperature, frequency float64, peakCount int) ([]models.PeakGuess, bool) {
	if g == nil || peakCount != g.PeakCount {
		return nil, false
	}
	f := models.FrequencyLabel(frequency)
	if byFreq, ok := g.Temperatures[models.FormatTemperature(temperature)]; ok {
		if set, ok := byFreq[f]; ok {
			return set, true
		}
	}
	if set, ok := g.Frequencies[f]; ok {
		return set, true
	}
	if g.Default != nil {
		return g.Default, true
	}
	return nil, false
}

// KittelOptions returns the dispersion settings carried by the file.
func (g *GuessFile) KittelOptions() KittelOptions {
	opts := KittelOptions{Uniform: models.DefaultKittelGuess()}
	if g == nil {
		return opts
	}
	if g.Kittel != nil {
		opts.Uniform = *g.Kittel
	}
	opts.PSSW = g.PSSW
	return opts
}
