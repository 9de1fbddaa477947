package model

import "errors"

const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

var (
	// TabularClasses is indexed by the tabular classifier's class output.
	TabularClasses = []string{"NonDemented", "Demented"}

	// ImageClasses is indexed by position in the image classifier's output.
	ImageClasses = []string{"MildDemented", "ModerateDemented", "NonDemented", "VeryMildDemented"}
)

var (
	ErrInvalidGender = errors.New("gender must be 'M' or 'F'")
	ErrNotLoaded     = errors.New("model is not loaded")
)

// Metadata describes how a model's tensors are laid out. It can be supplied as
// a JSON file next to the model; anything left empty is filled from the model
// itself or from defaults.
type Metadata struct {
	InputName    string   `json:"input_name"`
	OutputNames  []string `json:"output_names"`
	InputShape   []int64  `json:"input_shape"`
	OutputShape  []int64  `json:"output_shape"`
	Classes      []string `json:"classes"`
	ImageSize    int      `json:"image_size"`
	Layout       string   `json:"layout"`
	ApplySoftmax bool     `json:"apply_softmax"`
}

// ClinicalRecord holds the scalar features the tabular classifier was trained on.
type ClinicalRecord struct {
	Gender string
	Age    float64
	Educ   float64
	SES    float64
	MMSE   float64
	ETIV   float64
	NWBV   float64
	ASF    float64
}

type PredictionResult struct {
	Prediction    string             `json:"prediction"`
	Probabilities map[string]float32 `json:"probabilities"`
}

// tensorInfo is the subset of ONNX input/output information the loaders use.
type tensorInfo struct {
	Name  string
	Shape []int64
}
