package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	sileroChunkSamples   = 512 // window at 16kHz
	sileroContextSamples = 64
	sileroInputSamples   = sileroContextSamples + sileroChunkSamples
	sileroStateSize      = 2 * 1 * 128
	sileroSampleRate     = 16000
)

var errSileroWindow = errors.New("silero window must be exactly 512 samples")

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// InitONNXRuntime loads the ONNX Runtime shared library once per process.
// libPath may be empty to use the library's default search path.
func InitONNXRuntime(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// SileroClassifier runs the Silero VAD ONNX model. The inference session is
// loaded once and shared; ONNX Runtime allows concurrent Run calls on one
// session, and every scorer supplies its own tensors and recurrent state.
type SileroClassifier struct {
	session *ort.DynamicAdvancedSession
}

// NewSileroClassifier loads the model at modelPath. Failures wrap
// ErrClassifierUnavailable so callers can fall back.
func NewSileroClassifier(modelPath, libPath string, sampleRate int) (*SileroClassifier, error) {
	if sampleRate != sileroSampleRate {
		return nil, fmt.Errorf("%w: silero requires %d Hz audio, got %d", ErrClassifierUnavailable, sileroSampleRate, sampleRate)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	if err := InitONNXRuntime(libPath); err != nil {
		return nil, fmt.Errorf("%w: onnxruntime init: %v", ErrClassifierUnavailable, err)
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrClassifierUnavailable, modelPath, err)
	}
	return &SileroClassifier{session: sess}, nil
}

func (c *SileroClassifier) Name() string    { return "silero" }
func (c *SileroClassifier) WindowSize() int { return sileroChunkSamples }

// Close destroys the shared session. Scorers must be closed first.
func (c *SileroClassifier) Close() error {
	return c.session.Destroy()
}

// NewScorer allocates the per-session tensors
func (c *SileroClassifier) NewScorer() (Scorer, error) {
	s := &sileroScorer{session: c.session}

	var err error
	destroy := func() { s.Close() }

	if s.input, err = ort.NewTensor(ort.NewShape(1, sileroInputSamples), make([]float32, sileroInputSamples)); err != nil {
		return nil, err
	}
	if s.state, err = ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, sileroStateSize)); err != nil {
		destroy()
		return nil, err
	}
	if s.sr, err = ort.NewTensor(ort.NewShape(1), []int64{sileroSampleRate}); err != nil {
		destroy()
		return nil, err
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		destroy()
		return nil, err
	}
	if s.stateOut, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		destroy()
		return nil, err
	}
	return s, nil
}

// sileroScorer is not safe for concurrent use; each session owns one
type sileroScorer struct {
	session  *ort.DynamicAdvancedSession
	input    *ort.Tensor[float32] // (1, 576) context + window
	state    *ort.Tensor[float32] // (2, 1, 128)
	sr       *ort.Tensor[int64]   // (1,)
	output   *ort.Tensor[float32] // (1, 1) speech probability
	stateOut *ort.Tensor[float32] // (2, 1, 128)

	context [sileroContextSamples]float32
}

func (s *sileroScorer) Score(window []float32) (float32, error) {
	if len(window) != sileroChunkSamples {
		return 0, errSileroWindow
	}

	inputData := s.input.GetData()
	copy(inputData[:sileroContextSamples], s.context[:])
	copy(inputData[sileroContextSamples:], window)
	copy(s.context[:], window[sileroChunkSamples-sileroContextSamples:])

	err := s.session.Run(
		[]ort.Value{s.input, s.state, s.sr},
		[]ort.Value{s.output, s.stateOut},
	)
	if err != nil {
		return 0, fmt.Errorf("silero inference: %w", err)
	}

	copy(s.state.GetData(), s.stateOut.GetData())
	return s.output.GetData()[0], nil
}

func (s *sileroScorer) Reset() {
	s.context = [sileroContextSamples]float32{}
	if s.state != nil {
		s.state.ZeroContents()
	}
}

func (s *sileroScorer) Close() error {
	var errs []error
	destroy := func(v ort.Value) {
		if err := v.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.input != nil {
		destroy(s.input)
	}
	if s.state != nil {
		destroy(s.state)
	}
	if s.sr != nil {
		destroy(s.sr)
	}
	if s.output != nil {
		destroy(s.output)
	}
	if s.stateOut != nil {
		destroy(s.stateOut)
	}
	s.input, s.state, s.sr, s.output, s.stateOut = nil, nil, nil, nil, nil
	return errors.Join(errs...)
}
