package model

import (
	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/birnn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/nn/rec/lstm"
	gmat "gonum.org/v1/gonum/mat"

	"esim/pkg/model/attention"
)

var (
	_ nn.Model     = &ESIM{}
	_ nn.Processor = &ESIMProcessor{}
)

// ESIM is an implementation of:
// "Enhanced LSTM for Natural Language Inference" - https://arxiv.org/abs/1609.06038
type ESIM struct {
	ESIMConfig
	WordEmbeddings []*nn.Param
	Encoder        *birnn.Model
	Projection     *linear.Model
	Composition    *birnn.Model
	HiddenLayer    *linear.Model
	OutputLayer    *linear.Model
}

type ESIMConfig struct {
	VocabularySize int
	EmbeddingSize  int
	HiddenSize     int
	NumClasses     int
	Dropout        float64

	// FreezeEmbeddings excludes the word-embedding table from training.
	FreezeEmbeddings bool
}

func NewESIM(config ESIMConfig) *ESIM {
	embeddings := make([]*nn.Param, config.VocabularySize)
	for i := range embeddings {
		// the padding entry stays at zero and is never trained
		requiresGrad := i != PadIndex && !config.FreezeEmbeddings
		embeddings[i] = nn.NewParam(mat.NewEmptyVecDense(config.EmbeddingSize), nn.RequiresGrad(requiresGrad))
	}
	return &ESIM{
		ESIMConfig:     config,
		WordEmbeddings: embeddings,
		Encoder:        newBiLSTM(config.EmbeddingSize, config.HiddenSize),
		Projection:     linear.New(8*config.HiddenSize, config.HiddenSize),
		Composition:    newBiLSTM(config.HiddenSize, config.HiddenSize),
		HiddenLayer:    linear.New(8*config.HiddenSize, config.HiddenSize),
		OutputLayer:    linear.New(config.HiddenSize, config.NumClasses),
	}
}

func newBiLSTM(in, out int) *birnn.Model {
	return birnn.New(lstm.New(in, out), lstm.New(in, out), birnn.Concat)
}

// Init sets the starting weights: Xavier-uniform dense and gate-input
// weights, orthogonal recurrent weights, zero biases except the forget
// gates which start open at 1. The word embeddings are left untouched;
// use InitEmbeddings or LoadEmbeddings for those.
func (m *ESIM) Init(generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpIdentity)
	initializers.XavierUniform(m.Projection.W.Value(), gain, generator)
	initializers.XavierUniform(m.HiddenLayer.W.Value(), gain, generator)
	initializers.XavierUniform(m.OutputLayer.W.Value(), gain, generator)
	initBiLSTM(m.Encoder, generator)
	initBiLSTM(m.Composition, generator)
}

// InitEmbeddings fills the word-embedding table with normal samples, used
// when no pretrained vectors are available.
func (m *ESIM) InitEmbeddings(generator *rand.LockedRand) {
	for i, p := range m.WordEmbeddings {
		if i == PadIndex {
			continue
		}
		initializers.Normal(p.Value(), 0.0, 1.0, generator)
	}
}

// LoadEmbeddings copies one row of a pretrained embedding matrix into each
// word-embedding parameter. The padding entry is forced back to zero.
func (m *ESIM) LoadEmbeddings(vectors [][]float64) {
	for i, p := range m.WordEmbeddings {
		if i == PadIndex {
			initializers.Zeros(p.Value())
			continue
		}
		value := p.Value()
		for j, v := range vectors[i] {
			value.Set(j, 0, v)
		}
	}
}

func initBiLSTM(m *birnn.Model, generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpIdentity)
	for _, direction := range []nn.Model{m.Positive, m.Negative} {
		l := direction.(*lstm.Model)
		for _, w := range []*nn.Param{l.WIn, l.WOut, l.WFor, l.WCand} {
			initializers.XavierUniform(w.Value(), gain, generator)
		}
		for _, w := range []*nn.Param{l.WInRec, l.WOutRec, l.WForRec, l.WCandRec} {
			initOrthogonal(w.Value(), generator)
		}
		// open the forget gates
		initializers.Ones(l.BFor.Value())
	}
}

// initOrthogonal fills m with a semi-orthogonal matrix: the Q factor of
// the QR factorization of a random normal matrix, with column signs fixed
// by the diagonal of R.
func initOrthogonal(m mat.Matrix, generator *rand.LockedRand) {
	rows, cols := m.Rows(), m.Columns()
	r, c := rows, cols
	transposed := false
	if r < c {
		r, c = c, r
		transposed = true
	}

	normal := mat.NewEmptyDense(r, c)
	initializers.Normal(normal, 0.0, 1.0, generator)

	var qr gmat.QR
	qr.Factorize(gmat.NewDense(r, c, normal.Data()))
	var q, rm gmat.Dense
	qr.QTo(&q)
	qr.RTo(&rm)

	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := q.At(i, j)
			if rm.At(j, j) < 0 {
				v = -v
			}
			if transposed {
				m.Set(j, i, v)
			} else {
				m.Set(i, j, v)
			}
		}
	}
}

type ESIMProcessor struct {
	nn.BaseProcessor
	model               *ESIM
	attentionProcessor  *attention.Processor
	projectionProcessor nn.Processor
	hiddenProcessor     nn.Processor
	outputProcessor     nn.Processor
	embeddingDropout    *sequenceDropout
	projectionDropout   *sequenceDropout
}

func (m *ESIM) NewProc(ctx nn.Context) nn.Processor {
	return &ESIMProcessor{
		BaseProcessor: nn.BaseProcessor{
			Model:             m,
			Mode:              ctx.Mode,
			Graph:             ctx.Graph,
			FullSeqProcessing: true,
		},
		model:               m,
		attentionProcessor:  attention.New().NewProc(ctx).(*attention.Processor),
		projectionProcessor: m.Projection.NewProc(ctx),
		hiddenProcessor:     m.HiddenLayer.NewProc(ctx),
		outputProcessor:     m.OutputLayer.NewProc(ctx),
		embeddingDropout:    newSequenceDropout(m.Dropout, m.EmbeddingSize),
		projectionDropout:   newSequenceDropout(m.Dropout, m.HiddenSize),
	}
}

func (p *ESIMProcessor) SetMode(mode nn.ProcessingMode) {
	p.Mode = mode
	p.attentionProcessor.Mode = mode
	p.projectionProcessor.(*linear.Processor).Mode = mode
	p.hiddenProcessor.(*linear.Processor).Mode = mode
	p.outputProcessor.(*linear.Processor).Mode = mode
}

func (p *ESIMProcessor) Forward(xs ...ag.Node) []ag.Node {
	panic("model: Forward not implemented... please use Classify instead")
}

// Inference holds the network output for one premise/hypothesis pair.
type Inference struct {
	Logits        ag.Node
	Probabilities ag.Node
}

// Classify runs the full forward pass on one pair of index sequences:
// embedding, encoding, soft alignment, composition, pooling and the final
// classifier. Dropout is applied only in training mode.
func (p *ESIMProcessor) Classify(premise, hypothesis []int) *Inference {
	g := p.Graph

	premiseEmb := p.embed(premise)
	hypothesisEmb := p.embed(hypothesis)
	if p.Mode == nn.Training {
		premiseEmb = p.embeddingDropout.process(g, premiseEmb)
		hypothesisEmb = p.embeddingDropout.process(g, hypothesisEmb)
	}

	encodedPremise := p.encode(p.model.Encoder, premiseEmb)
	encodedHypothesis := p.encode(p.model.Encoder, hypothesisEmb)

	alignedPremise, alignedHypothesis := p.attentionProcessor.Align(encodedPremise, encodedHypothesis)

	projectedPremise := p.project(encodedPremise, alignedPremise)
	projectedHypothesis := p.project(encodedHypothesis, alignedHypothesis)
	if p.Mode == nn.Training {
		projectedPremise = p.projectionDropout.process(g, projectedPremise)
		projectedHypothesis = p.projectionDropout.process(g, projectedHypothesis)
	}

	composedPremise := p.encode(p.model.Composition, projectedPremise)
	composedHypothesis := p.encode(p.model.Composition, projectedHypothesis)

	merged := g.Concat(
		avgPooling(g, composedPremise),
		maxPooling(g, composedPremise),
		avgPooling(g, composedHypothesis),
		maxPooling(g, composedHypothesis),
	)

	hidden := g.Tanh(p.hiddenProcessor.Forward(p.dropout(merged))[0])
	logits := p.outputProcessor.Forward(p.dropout(hidden))[0]

	return &Inference{
		Logits:        logits,
		Probabilities: g.Softmax(logits),
	}
}

func (p *ESIMProcessor) embed(indices []int) []ag.Node {
	xs := make([]ag.Node, len(indices))
	for i, index := range indices {
		xs[i] = p.Graph.NewWrap(p.model.WordEmbeddings[index])
	}
	return xs
}

// encode runs a fresh bidirectional pass so that every sequence starts
// from a clean recurrent state while sharing the encoder's parameters.
func (p *ESIMProcessor) encode(encoder *birnn.Model, xs []ag.Node) []ag.Node {
	ctx := nn.Context{Graph: p.Graph, Mode: p.Mode}
	return encoder.NewProc(ctx).Forward(xs...)
}

// project applies the ReLU bottleneck to the enhanced representation
// [x; aligned; x-aligned; x*aligned] of every timestep.
func (p *ESIMProcessor) project(encoded, aligned []ag.Node) []ag.Node {
	g := p.Graph
	ys := make([]ag.Node, len(encoded))
	for i := range encoded {
		enhanced := g.Concat(
			encoded[i],
			aligned[i],
			g.Sub(encoded[i], aligned[i]),
			g.Prod(encoded[i], aligned[i]),
		)
		ys[i] = g.ReLU(p.projectionProcessor.Forward(enhanced)[0])
	}
	return ys
}

func (p *ESIMProcessor) dropout(x ag.Node) ag.Node {
	if p.Mode != nn.Training || p.model.Dropout == 0.0 {
		return x
	}
	return p.Graph.Dropout(x, p.model.Dropout)
}

func avgPooling(g *ag.Graph, xs []ag.Node) ag.Node {
	sum := xs[0]
	for i := 1; i < len(xs); i++ {
		sum = g.Add(sum, xs[i])
	}
	return g.DivScalar(sum, g.Constant(float64(len(xs))))
}

func maxPooling(g *ag.Graph, xs []ag.Node) ag.Node {
	max := xs[0]
	for i := 1; i < len(xs); i++ {
		max = g.Max(max, xs[i])
	}
	return max
}
