package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// InitializeRuntime loads the ONNX Runtime shared library. libPath may be empty
// to use the library's default search path.
func InitializeRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// MetadataFile is the sidecar location for a model: models/x.onnx -> models/x.json.
func MetadataFile(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// readMetadata returns the sidecar metadata for modelPath, or an empty
// Metadata when there is none.
func readMetadata(modelPath string) (Metadata, error) {
	var metadata Metadata

	metaFile, err := os.ReadFile(MetadataFile(modelPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return metadata, nil
		}
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata, nil
}

func modelInfo(modelPath string) ([]tensorInfo, []tensorInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model inputs and outputs: %w", err)
	}

	convert := func(infos []ort.InputOutputInfo) []tensorInfo {
		out := make([]tensorInfo, 0, len(infos))
		for _, info := range infos {
			out = append(out, tensorInfo{Name: info.Name, Shape: []int64(info.Dimensions)})
		}
		return out
	}

	return convert(inputs), convert(outputs), nil
}

// openSession checks the model file, resolves its metadata and creates a
// session that is safe to run from concurrent requests.
func openSession(modelPath string, resolve func(Metadata, []tensorInfo, []tensorInfo) (Metadata, error)) (*ort.DynamicAdvancedSession, Metadata, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, Metadata{}, fmt.Errorf("model file %s: %w", modelPath, err)
	}

	metadata, err := readMetadata(modelPath)
	if err != nil {
		return nil, Metadata{}, err
	}

	inputs, outputs, err := modelInfo(modelPath)
	if err != nil {
		return nil, Metadata{}, err
	}

	metadata, err = resolve(metadata, inputs, outputs)
	if err != nil {
		return nil, Metadata{}, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, metadata.OutputNames, nil)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return session, metadata, nil
}
