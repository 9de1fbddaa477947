package model

import (
	"fmt"
	"math"
)

func argmax(values []float32) int {
	maxIdx := 0
	for i, v := range values {
		if v > values[maxIdx] {
			maxIdx = i
		}
	}
	return maxIdx
}

func softmax(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}

	maxVal := values[argmax(values)]
	out := make([]float32, len(values))
	var sum float64
	for i, v := range values {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// labelProbabilities pairs each class with its probability. The model must
// produce exactly one value per class.
func labelProbabilities(classes []string, probs []float32) (map[string]float32, error) {
	if len(probs) != len(classes) {
		return nil, fmt.Errorf("model returned %d probabilities for %d classes", len(probs), len(classes))
	}

	predictions := make(map[string]float32, len(classes))
	for i, class := range classes {
		predictions[class] = probs[i]
	}
	return predictions, nil
}
