package model

import (
	"testing"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/rec/lstm"
	"github.com/stretchr/testify/require"
)

func TestESIM_Classify(t *testing.T) {

	tests := []struct {
		premiseLen    int
		hypothesisLen int
		numClasses    int
	}{
		{
			premiseLen:    3,
			hypothesisLen: 5,
			numClasses:    2,
		},
		{
			premiseLen:    1,
			hypothesisLen: 1,
			numClasses:    2,
		},
		{
			premiseLen:    4,
			hypothesisLen: 2,
			numClasses:    3,
		},
	}

	for _, tt := range tests {
		m := newTestESIM(tt.numClasses)

		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
		proc := m.NewProc(nn.Context{Graph: g, Mode: nn.Inference}).(*ESIMProcessor)
		inference := proc.Classify(sequence(tt.premiseLen), sequence(tt.hypothesisLen))

		require.Equal(t, tt.numClasses, inference.Logits.Value().Rows())
		require.Equal(t, 1, inference.Logits.Value().Columns())

		sum := 0.0
		for _, p := range inference.Probabilities.Value().Data() {
			require.GreaterOrEqual(t, p, 0.0)
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestESIM_InferenceIsDeterministic(t *testing.T) {

	m := newTestESIM(2)
	premise := sequence(4)
	hypothesis := sequence(3)

	run := func(seed uint64) []float64 {
		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(seed)))
		proc := m.NewProc(nn.Context{Graph: g, Mode: nn.Inference}).(*ESIMProcessor)
		return proc.Classify(premise, hypothesis).Probabilities.Value().Data()
	}

	// without dropout the graph's random generator must not influence the output
	require.Equal(t, run(1), run(2))
}

func TestESIM_EmbeddingGradients(t *testing.T) {

	config := ESIMConfig{VocabularySize: 5, EmbeddingSize: 3, HiddenSize: 2, NumClasses: 2}

	m := NewESIM(config)
	require.False(t, m.WordEmbeddings[PadIndex].RequiresGrad())
	for i := PadIndex + 1; i < len(m.WordEmbeddings); i++ {
		require.True(t, m.WordEmbeddings[i].RequiresGrad())
	}

	config.FreezeEmbeddings = true
	frozen := NewESIM(config)
	for _, p := range frozen.WordEmbeddings {
		require.False(t, p.RequiresGrad())
	}
}

func TestESIM_LoadEmbeddings(t *testing.T) {

	m := NewESIM(ESIMConfig{VocabularySize: 6, EmbeddingSize: 2, HiddenSize: 2, NumClasses: 2})
	vectors := [][]float64{
		{9, 9}, // ignored for the padding entry
		{1, 2},
		{3, 4},
		{5, 6},
		{7, 8},
		{9, 10},
	}
	m.LoadEmbeddings(vectors)

	require.Equal(t, []float64{0, 0}, m.WordEmbeddings[PadIndex].Value().Data())
	require.Equal(t, []float64{1, 2}, m.WordEmbeddings[1].Value().Data())
	require.Equal(t, []float64{9, 10}, m.WordEmbeddings[5].Value().Data())
}

func TestESIM_InitOpensForgetGates(t *testing.T) {

	m := newTestESIM(2)
	for _, direction := range []nn.Model{m.Encoder.Positive, m.Encoder.Negative, m.Composition.Positive, m.Composition.Negative} {
		for _, b := range direction.(*lstm.Model).BFor.Value().Data() {
			require.Equal(t, 1.0, b)
		}
	}
}

func TestInitOrthogonal(t *testing.T) {

	tests := []struct {
		rows int
		cols int
	}{
		{rows: 6, cols: 6},
		{rows: 8, cols: 4},
		{rows: 3, cols: 7},
	}

	for _, tt := range tests {
		m := mat.NewEmptyDense(tt.rows, tt.cols)
		initOrthogonal(m, rand.NewLockedRand(42))

		// the vectors along the smaller dimension must be orthonormal
		if tt.rows < tt.cols {
			requireOrthonormalColumns(t, m.T())
		} else {
			requireOrthonormalColumns(t, m)
		}
	}
}

func requireOrthonormalColumns(t *testing.T, m mat.Matrix) {
	for i := 0; i < m.Columns(); i++ {
		for j := i; j < m.Columns(); j++ {
			dot := 0.0
			for k := 0; k < m.Rows(); k++ {
				dot += m.At(k, i) * m.At(k, j)
			}
			expected := 0.0
			if i == j {
				expected = 1.0
			}
			require.InDelta(t, expected, dot, 1e-9)
		}
	}
}

func newTestESIM(numClasses int) *ESIM {
	m := NewESIM(ESIMConfig{
		VocabularySize: 10,
		EmbeddingSize:  6,
		HiddenSize:     4,
		NumClasses:     numClasses,
		Dropout:        0.5,
	})
	generator := rand.NewLockedRand(42)
	m.Init(generator)
	m.InitEmbeddings(generator)
	return m
}

func sequence(length int) []int {
	indices := make([]int, length)
	for i := range indices {
		indices[i] = NumReservedWords + i%3
	}
	return indices
}
