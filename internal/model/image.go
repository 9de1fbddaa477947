package model

import (
	"fmt"
	"image"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
)

const DefaultImageSize = 128

// ImageModel serves the MRI image classifier.
type ImageModel struct {
	session  *ort.DynamicAdvancedSession
	Metadata Metadata
}

func NewImageModel(modelPath string) (*ImageModel, error) {
	session, metadata, err := openSession(modelPath, resolveImageMetadata)
	if err != nil {
		return nil, err
	}

	slog.Info("image model loaded", "path", modelPath, "input", metadata.InputName, "image_size", metadata.ImageSize, "layout", metadata.Layout, "classes", metadata.Classes)

	return &ImageModel{session: session, Metadata: metadata}, nil
}

// resolveImageMetadata fills anything the sidecar left out. Size and layout
// are read off a 4-d input shape when possible: a channel dimension of 3 in
// position 1 means NCHW, in position 3 NHWC.
func resolveImageMetadata(metadata Metadata, inputs, outputs []tensorInfo) (Metadata, error) {
	if metadata.InputName == "" {
		metadata.InputName = "input"
		if len(inputs) > 0 {
			metadata.InputName = inputs[0].Name
		}
	}

	if len(metadata.OutputNames) == 0 {
		metadata.OutputNames = []string{"output"}
		if len(outputs) > 0 {
			metadata.OutputNames = []string{outputs[0].Name}
		}
	}
	if len(metadata.OutputNames) != 1 {
		return metadata, fmt.Errorf("image model needs exactly one output, got %v", metadata.OutputNames)
	}

	if len(metadata.Classes) == 0 {
		metadata.Classes = ImageClasses
	}

	if metadata.Layout == "" || metadata.ImageSize == 0 {
		layout, size := LayoutNHWC, DefaultImageSize
		if len(inputs) > 0 && len(inputs[0].Shape) == 4 {
			shape := inputs[0].Shape
			switch {
			case shape[3] == 3 && shape[1] > 0:
				layout, size = LayoutNHWC, int(shape[1])
			case shape[1] == 3 && shape[2] > 0:
				layout, size = LayoutNCHW, int(shape[2])
			}
		}
		if metadata.Layout == "" {
			metadata.Layout = layout
		}
		if metadata.ImageSize == 0 {
			metadata.ImageSize = size
		}
	}

	if metadata.Layout != LayoutNHWC && metadata.Layout != LayoutNCHW {
		return metadata, fmt.Errorf("unsupported tensor layout %q", metadata.Layout)
	}
	if metadata.ImageSize <= 0 {
		return metadata, fmt.Errorf("invalid image size %d", metadata.ImageSize)
	}

	size := int64(metadata.ImageSize)
	if metadata.Layout == LayoutNCHW {
		metadata.InputShape = []int64{1, 3, size, size}
	} else {
		metadata.InputShape = []int64{1, size, size, 3}
	}

	if len(metadata.OutputShape) == 0 {
		metadata.OutputShape = []int64{1, int64(len(metadata.Classes))}
	}

	return metadata, nil
}

// Predict classifies one decoded image.
func (m *ImageModel) Predict(img image.Image) (*PredictionResult, error) {
	if m == nil || m.session == nil {
		return nil, ErrNotLoaded
	}

	inputData, err := PreprocessImage(img, m.Metadata.ImageSize, m.Metadata.Layout)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(m.Metadata.InputShape...), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(m.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := m.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return imageResult(m.Metadata, outputTensor.GetData())
}

func imageResult(metadata Metadata, output []float32) (*PredictionResult, error) {
	if len(output) == 0 {
		return nil, fmt.Errorf("model returned no output")
	}

	probs := output
	if metadata.ApplySoftmax {
		probs = softmax(output)
	}

	predictions, err := labelProbabilities(metadata.Classes, probs)
	if err != nil {
		return nil, err
	}

	return &PredictionResult{
		Prediction:    metadata.Classes[argmax(probs)],
		Probabilities: predictions,
	}, nil
}

func (m *ImageModel) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
}
