package model

import (
	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
)

// sequenceDropout drops the same vector components at every timestep of a
// sequence. One mask is sampled per sequence from the graph's random
// generator; surviving components are scaled by 1/(1-prob).
type sequenceDropout struct {
	prob float64
	size int
}

func newSequenceDropout(prob float64, size int) *sequenceDropout {
	return &sequenceDropout{prob: prob, size: size}
}

func (d *sequenceDropout) process(g *ag.Graph, xs []ag.Node) []ag.Node {
	if d.prob == 0.0 || len(xs) == 0 {
		return xs
	}
	mask := g.Dropout(g.NewVariable(mat.NewInitVecDense(d.size, 1.0), false), d.prob)
	ys := make([]ag.Node, len(xs))
	for i, x := range xs {
		ys[i] = g.Prod(x, mask)
	}
	return ys
}
