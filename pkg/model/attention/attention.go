package attention

import (
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

var (
	_ nn.Model     = &Model{}
	_ nn.Processor = &Processor{}
)

// Model implements the soft alignment between two encoded sequences used
// by ESIM. It has no parameters of its own; both alignment directions are
// derived from a single similarity matrix.
type Model struct{}

func New() *Model {
	return &Model{}
}

type Processor struct {
	nn.BaseProcessor
}

func (m *Model) NewProc(ctx nn.Context) nn.Processor {
	return &Processor{
		BaseProcessor: nn.BaseProcessor{
			Model:             m,
			Mode:              ctx.Mode,
			Graph:             ctx.Graph,
			FullSeqProcessing: true,
		},
	}
}

func (p *Processor) Forward(xs ...ag.Node) []ag.Node {
	panic("attention: Forward not implemented... please use Align instead")
}

// Align computes, for every timestep of each sequence, the softmax-weighted
// combination of the other sequence's timesteps. The weights come from the
// dot-product similarity matrix between the two sequences.
func (p *Processor) Align(premise, hypothesis []ag.Node) (alignedPremise, alignedHypothesis []ag.Node) {
	g := p.Graph

	a := g.Stack(premise...)
	b := g.Stack(hypothesis...)
	similarity := g.Mul(a, g.T(b))

	aT := g.T(a)
	bT := g.T(b)

	alignedPremise = make([]ag.Node, len(premise))
	for i := range premise {
		weights := g.Softmax(g.T(g.View(similarity, i, 0, 1, len(hypothesis))))
		alignedPremise[i] = g.Mul(bT, weights)
	}

	alignedHypothesis = make([]ag.Node, len(hypothesis))
	for j := range hypothesis {
		weights := g.Softmax(g.View(similarity, 0, j, len(premise), 1))
		alignedHypothesis[j] = g.Mul(aT, weights)
	}
	return alignedPremise, alignedHypothesis
}
