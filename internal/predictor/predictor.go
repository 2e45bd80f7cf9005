// Package predictor decodes a model artifact's raw bytes into a callable
// Predictor, dispatching on the framework recorded in the model registry.
package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDeserializationFailure wraps any failure to turn artifact bytes into a
// runnable Predictor: unknown framework, malformed payload, or a framework
// decoder that cannot parse its own format.
var ErrDeserializationFailure = errors.New("predictor: artifact deserialization failed")

// Predictor is the synchronous, CPU-bound inference entry point invoked by
// the batch scheduler with a stacked N×F feature matrix.
type Predictor interface {
	Predict(ctx context.Context, batch [][]float64) ([]int, error)
}

// Decoder turns raw artifact bytes into a Predictor for one framework.
type Decoder func(artifact []byte) (Predictor, error)

// Registry maps a RegistryRecord's framework string to the Decoder that
// understands its artifact format.
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry builds a registry pre-populated with the built-in decoders.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.Register("sklearn-linear", decodeSklearnLinear)
	r.Register("constant", decodeConstant)
	return r
}

// Register adds or replaces the decoder for framework.
func (r *Registry) Register(framework string, d Decoder) {
	r.decoders[framework] = d
}

// Decode looks up the decoder for framework and runs it against artifact.
// An unknown framework or a decoder error both surface as
// ErrDeserializationFailure, matching spec semantics: any failure to turn
// bytes into a runnable predictor is reported identically to callers.
func (r *Registry) Decode(framework string, artifact []byte) (Predictor, error) {
	d, ok := r.decoders[framework]
	if !ok {
		return nil, fmt.Errorf("%w: unknown framework %q", ErrDeserializationFailure, framework)
	}
	p, err := d(artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializationFailure, err)
	}
	return p, nil
}

// linearModel is a JSON-encoded one-vs-rest linear classifier: label i's
// score is the dot product of weights[i] with the feature row plus
// bias[i]; predict returns the argmax label per row.
type linearModel struct {
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

func decodeSklearnLinear(artifact []byte) (Predictor, error) {
	var m linearModel
	if err := json.Unmarshal(artifact, &m); err != nil {
		return nil, err
	}
	if len(m.Weights) == 0 || len(m.Weights) != len(m.Bias) {
		return nil, errors.New("sklearn-linear: weights and bias must be non-empty and equal length")
	}
	for _, row := range m.Weights {
		if len(row) != len(m.Weights[0]) {
			return nil, errors.New("sklearn-linear: ragged weight matrix")
		}
	}
	return &sklearnLinearPredictor{model: m}, nil
}

type sklearnLinearPredictor struct {
	model linearModel
}

func (p *sklearnLinearPredictor) Predict(_ context.Context, batch [][]float64) ([]int, error) {
	labels := make([]int, len(batch))
	for i, features := range batch {
		best, bestScore := 0, -1.0
		for label, weights := range p.model.Weights {
			score := p.model.Bias[label]
			for j, w := range weights {
				if j < len(features) {
					score += w * features[j]
				}
			}
			if label == 0 || score > bestScore {
				best, bestScore = label, score
			}
		}
		labels[i] = best
	}
	return labels, nil
}

// constantModel always predicts a fixed label, used for test fixtures and
// smoke-testing the serving path end to end without a real model.
type constantModel struct {
	Label int `json:"label"`
}

func decodeConstant(artifact []byte) (Predictor, error) {
	var m constantModel
	if err := json.Unmarshal(artifact, &m); err != nil {
		return nil, err
	}
	return &constantPredictor{label: m.Label}, nil
}

type constantPredictor struct {
	label int
}

func (p *constantPredictor) Predict(_ context.Context, batch [][]float64) ([]int, error) {
	labels := make([]int, len(batch))
	for i := range batch {
		labels[i] = p.label
	}
	return labels, nil
}
