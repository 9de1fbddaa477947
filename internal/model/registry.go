package model

import (
	"errors"
	"log/slog"
	"os"
)

// Models holds whichever classifiers loaded at startup. A nil field means
// that model is unavailable and its endpoint reports so.
type Models struct {
	Tabular *TabularModel
	Image   *ImageModel
}

// LoadModels never fails: each model that cannot be loaded is logged and left nil.
func LoadModels(libPath, csvModelPath, imageModelPath string) *Models {
	models := &Models{}

	if err := InitializeRuntime(libPath); err != nil {
		slog.Error("onnx runtime unavailable, both models disabled", "error", err)
		return models
	}

	if m, err := NewTabularModel(csvModelPath); err != nil {
		logLoadError("csv", csvModelPath, err)
	} else {
		models.Tabular = m
	}

	if m, err := NewImageModel(imageModelPath); err != nil {
		logLoadError("image", imageModelPath, err)
	} else {
		models.Image = m
	}

	return models
}

func logLoadError(kind, path string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		slog.Error("model file not found", "model", kind, "path", path)
		return
	}
	slog.Error("failed to load model", "model", kind, "path", path, "error", err)
}

func (m *Models) Close() {
	if m.Tabular != nil {
		m.Tabular.Close()
	}
	if m.Image != nil {
		m.Image.Close()
	}
	if err := DestroyRuntime(); err != nil {
		slog.Error("failed to destroy onnx environment", "error", err)
	}
}
