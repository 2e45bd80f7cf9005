package predictor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUnknownFrameworkFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode("xgboost", []byte(`{}`))
	assert.ErrorIs(t, err, ErrDeserializationFailure)
}

func TestDecodeConstantPredictsFixedLabel(t *testing.T) {
	r := NewRegistry()
	p, err := r.Decode("constant", []byte(`{"label": 3}`))
	require.NoError(t, err)

	labels, err := p.Predict(context.Background(), [][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, labels)
}

func TestDecodeSklearnLinearArgmax(t *testing.T) {
	r := NewRegistry()
	artifact := []byte(`{"weights": [[1, 0], [0, 1]], "bias": [0, 0]}`)
	p, err := r.Decode("sklearn-linear", artifact)
	require.NoError(t, err)

	labels, err := p.Predict(context.Background(), [][]float64{{5, 1}, {1, 5}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, labels)
}

func TestDecodeSklearnLinearRejectsMalformedArtifact(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode("sklearn-linear", []byte(`not json`))
	assert.ErrorIs(t, err, ErrDeserializationFailure)
}

func TestDecodeSklearnLinearRejectsRaggedMatrix(t *testing.T) {
	r := NewRegistry()
	artifact := []byte(`{"weights": [[1, 0], [0]], "bias": [0, 0]}`)
	_, err := r.Decode("sklearn-linear", artifact)
	assert.ErrorIs(t, err, ErrDeserializationFailure)
}
