package audio

import "math"

// EnergyConfig holds configuration for the RMS energy classifier
type EnergyConfig struct {
	// Reference is the RMS level (in 16-bit sample units) that maps to a speech
	// probability of 0.5. Twice the reference and above maps to 1.
	Reference float64
	// FrameSize is the analysis window in samples; zero scores whole chunks
	FrameSize int
}

// DefaultEnergyConfig returns a default energy classifier configuration
func DefaultEnergyConfig() *EnergyConfig {
	return &EnergyConfig{
		Reference: 500.0, // Adjust based on testing
		FrameSize: 320,   // 20ms at 16kHz
	}
}

// EnergyClassifier is a model-free classifier deriving a pseudo-probability
// from frame loudness. It needs no external resources, so it is the default
// backend and the fallback when an ONNX model fails to load.
type EnergyClassifier struct {
	config *EnergyConfig
}

// NewEnergyClassifier creates an energy classifier
func NewEnergyClassifier(config *EnergyConfig) *EnergyClassifier {
	if config == nil {
		config = DefaultEnergyConfig()
	}
	if config.Reference <= 0 {
		config.Reference = DefaultEnergyConfig().Reference
	}
	return &EnergyClassifier{config: config}
}

func (e *EnergyClassifier) Name() string    { return "energy" }
func (e *EnergyClassifier) WindowSize() int { return e.config.FrameSize }
func (e *EnergyClassifier) Close() error    { return nil }

// NewScorer returns a stateless scorer; energy needs no per-session memory
func (e *EnergyClassifier) NewScorer() (Scorer, error) {
	return energyScorer{reference: e.config.Reference}, nil
}

type energyScorer struct {
	reference float64
}

func (s energyScorer) Score(window []float32) (float32, error) {
	return EnergyProbability(window, s.reference), nil
}

func (energyScorer) Reset()       {}
func (energyScorer) Close() error { return nil }

// EnergyProbability maps the RMS of a normalised window to [0, 1]
func EnergyProbability(window []float32, reference float64) float32 {
	if len(window) == 0 || reference <= 0 {
		return 0
	}

	sum := 0.0
	for _, v := range window {
		sample := float64(v) * 32768.0
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(len(window)))

	p := rms / (2 * reference)
	if p > 1 {
		p = 1
	}
	return float32(p)
}
