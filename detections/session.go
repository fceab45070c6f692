package detections

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/Tutortoise/exam-proctor-detector/models"

	ort "github.com/yalue/onnxruntime_go"
)

// InferenceSession is one runnable model instance with bound input/output buffers.
type InferenceSession interface {
	// FloatInput returns the float32 input buffer, or nil for byte-input models.
	FloatInput() []float32
	// ByteInput returns the uint8 input buffer, or nil for float-input models.
	ByteInput() []uint8
	Run() error
	// Outputs copies the output tensors so the session can be reused.
	Outputs() []Tensor
	Destroy()
}

// SessionSpec describes the graph I/O of one detector artifact.
type SessionSpec struct {
	ModelPath    string
	InputName    string
	ByteInput    bool
	InputShape   []int64
	OutputNames  []string
	OutputShapes [][]int64
	Threads      int
}

// BaselineSpec is the SSD MobileNet v2 export: uint8 NHWC input, fixed 100-slot head.
func BaselineSpec(modelPath string) SessionSpec {
	return SessionSpec{
		ModelPath:  modelPath,
		InputName:  "input_tensor",
		ByteInput:  true,
		InputShape: []int64{1, BaselineInputSize, BaselineInputSize, 3},
		OutputNames: []string{
			"detection_boxes",
			"detection_scores",
			"detection_classes",
			"num_detections",
		},
		OutputShapes: [][]int64{
			{1, BaselineMaxDetections, 4},
			{1, BaselineMaxDetections},
			{1, BaselineMaxDetections},
			{1},
		},
	}
}

// ImprovedSpec is the YOLOv8 int8 export: float32 NCHW input, (1, 84, 8400) output.
func ImprovedSpec(modelPath string) SessionSpec {
	return SessionSpec{
		ModelPath:    modelPath,
		InputName:    "images",
		InputShape:   []int64{1, 3, ImprovedInputSize, ImprovedInputSize},
		OutputNames:  []string{"output0"},
		OutputShapes: [][]int64{{1, int64(4 + len(CocoLabels)), ImprovedPredictions}},
	}
}

// SpecFor returns the session layout for a version.
func SpecFor(v models.ModelVersion, modelPath string) (SessionSpec, error) {
	switch v {
	case models.Baseline:
		return BaselineSpec(modelPath), nil
	case models.Improved:
		return ImprovedSpec(modelPath), nil
	}
	return SessionSpec{}, fmt.Errorf("%w: %q", models.ErrInvalidVersion, v)
}

// ModelSession is an onnxruntime AdvancedSession with preallocated tensors.
type ModelSession struct {
	Session    *ort.AdvancedSession
	FloatIn    *ort.Tensor[float32]
	ByteIn     *ort.Tensor[uint8]
	OutTensors []*ort.Tensor[float32]
	shapes     [][]int64
}

func (m *ModelSession) FloatInput() []float32 {
	if m.FloatIn == nil {
		return nil
	}
	return m.FloatIn.GetData()
}

func (m *ModelSession) ByteInput() []uint8 {
	if m.ByteIn == nil {
		return nil
	}
	return m.ByteIn.GetData()
}

func (m *ModelSession) Run() error {
	return m.Session.Run()
}

func (m *ModelSession) Outputs() []Tensor {
	out := make([]Tensor, len(m.OutTensors))
	for i, t := range m.OutTensors {
		data := t.GetData()
		out[i] = Tensor{
			Shape: m.shapes[i],
			Data:  append([]float32(nil), data...),
		}
	}
	return out
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.FloatIn != nil {
		m.FloatIn.Destroy()
	}
	if m.ByteIn != nil {
		m.ByteIn.Destroy()
	}
	for _, t := range m.OutTensors {
		t.Destroy()
	}
}

// NewModelSession builds an AdvancedSession for spec. The ONNX environment
// must already be initialized.
func NewModelSession(spec SessionSpec) (*ModelSession, error) {
	if _, err := os.Stat(spec.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: model artifact %s: %v", models.ErrModelLoadFailure, spec.ModelPath, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := spec.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(threads)

	m := &ModelSession{}
	var inputs []ort.ArbitraryTensor
	if spec.ByteInput {
		m.ByteIn, err = ort.NewEmptyTensor[uint8](ort.NewShape(spec.InputShape...))
		inputs = []ort.ArbitraryTensor{m.ByteIn}
	} else {
		m.FloatIn, err = ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape...))
		inputs = []ort.ArbitraryTensor{m.FloatIn}
	}
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputs := make([]ort.ArbitraryTensor, 0, len(spec.OutputShapes))
	for _, shape := range spec.OutputShapes {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			m.Destroy()
			return nil, fmt.Errorf("error creating output tensor: %w", err)
		}
		m.OutTensors = append(m.OutTensors, t)
		m.shapes = append(m.shapes, shape)
		outputs = append(outputs, t)
	}

	m.Session, err = ort.NewAdvancedSession(
		spec.ModelPath,
		[]string{spec.InputName},
		spec.OutputNames,
		inputs,
		outputs,
		options,
	)
	if err != nil {
		m.Destroy()
		return nil, fmt.Errorf("%w: error creating session: %v", models.ErrModelLoadFailure, err)
	}

	return m, nil
}

// InitRuntime points onnxruntime_go at the shared library and initializes
// the process-wide environment.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = DefaultSharedLibraryPath()
	}
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("onnxruntime library not found at %s: %w", libPath, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return errors.New("onnxruntime not initialized")
	}
	return ort.DestroyEnvironment()
}

// DefaultSharedLibraryPath returns the conventional library location for this platform.
func DefaultSharedLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./lib/onnxruntime.dll"
	case "darwin":
		return "./lib/libonnxruntime.1.20.0.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./lib/libonnxruntime_arm64.so.1.20.0"
	}
	return "./lib/libonnxruntime.so.1.20.0"
}
