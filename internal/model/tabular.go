package model

import (
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
)

// TabularModel serves the clinical-data classifier. The ONNX export is
// expected without a ZipMap so it yields a class index and a probability row.
type TabularModel struct {
	session  *ort.DynamicAdvancedSession
	Metadata Metadata
}

func NewTabularModel(modelPath string) (*TabularModel, error) {
	session, metadata, err := openSession(modelPath, resolveTabularMetadata)
	if err != nil {
		return nil, err
	}

	slog.Info("tabular model loaded", "path", modelPath, "input", metadata.InputName, "outputs", metadata.OutputNames, "classes", metadata.Classes)

	return &TabularModel{session: session, Metadata: metadata}, nil
}

func resolveTabularMetadata(metadata Metadata, inputs, outputs []tensorInfo) (Metadata, error) {
	if metadata.InputName == "" {
		metadata.InputName = "float_input"
		if len(inputs) > 0 {
			metadata.InputName = inputs[0].Name
		}
	}

	if len(metadata.OutputNames) == 0 {
		if len(outputs) >= 2 {
			metadata.OutputNames = []string{outputs[0].Name, outputs[1].Name}
		} else {
			metadata.OutputNames = []string{"output_label", "output_probability"}
		}
	}
	if len(metadata.OutputNames) != 2 {
		return metadata, fmt.Errorf("tabular model needs a label and a probability output, got %v", metadata.OutputNames)
	}

	if len(metadata.Classes) == 0 {
		metadata.Classes = TabularClasses
	}

	if len(metadata.InputShape) == 0 {
		metadata.InputShape = []int64{1, NumFeatures}
	}
	if metadata.InputShape[len(metadata.InputShape)-1] != NumFeatures {
		return metadata, fmt.Errorf("tabular model input shape %v does not take %d features", metadata.InputShape, NumFeatures)
	}

	if len(metadata.OutputShape) == 0 {
		metadata.OutputShape = []int64{1, int64(len(metadata.Classes))}
	}

	return metadata, nil
}

// Predict runs the classifier on a single clinical record.
func (m *TabularModel) Predict(record ClinicalRecord) (*PredictionResult, error) {
	features, err := record.Features()
	if err != nil {
		return nil, err
	}
	return m.PredictFeatures(features)
}

func (m *TabularModel) PredictFeatures(features []float32) (*PredictionResult, error) {
	if m == nil || m.session == nil {
		return nil, ErrNotLoaded
	}
	if len(features) != NumFeatures {
		return nil, fmt.Errorf("expected %d features, got %d", NumFeatures, len(features))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, NumFeatures), features)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	labelTensor, err := ort.NewEmptyTensor[int64](ort.NewShape(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create label tensor: %w", err)
	}
	defer labelTensor.Destroy()

	probTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(m.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer probTensor.Destroy()

	if err := m.session.Run([]ort.Value{inputTensor}, []ort.Value{labelTensor, probTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return tabularResult(m.Metadata, labelTensor.GetData()[0], probTensor.GetData())
}

func tabularResult(metadata Metadata, label int64, probs []float32) (*PredictionResult, error) {
	if label < 0 || int(label) >= len(metadata.Classes) {
		return nil, fmt.Errorf("model returned unknown class index %d", label)
	}

	if metadata.ApplySoftmax {
		probs = softmax(probs)
	}

	predictions, err := labelProbabilities(metadata.Classes, probs)
	if err != nil {
		return nil, err
	}

	return &PredictionResult{
		Prediction:    metadata.Classes[label],
		Probabilities: predictions,
	}, nil
}

func (m *TabularModel) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
}
